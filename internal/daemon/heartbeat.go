package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/spool"
	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

// Restart guard for the heartbeat goroutine: more than maxRestarts crashes
// inside restartWindow disables further restarts.
const (
	maxRestarts    = 5
	restartWindow  = 60 * time.Second
	restartBackoff = time.Second
	maxBackoff     = 10 * time.Second
)

// Heartbeat writes the liveness file and the daemon status file on every
// tick and on every state transition. It runs in its own goroutine so a
// wedged worker cannot silence it.
type Heartbeat struct {
	ipcDir   string
	interval time.Duration
	updates  chan protocol.DaemonStatus
	pid      int
}

func NewHeartbeat(ipcDir string, intervalMs int) *Heartbeat {
	if intervalMs <= 0 {
		intervalMs = 5000
	}
	return &Heartbeat{
		ipcDir:   ipcDir,
		interval: time.Duration(intervalMs) * time.Millisecond,
		updates:  make(chan protocol.DaemonStatus, 16),
		pid:      os.Getpid(),
	}
}

// Update reports a state transition. Non-blocking: if the reporter is
// behind, the newest state wins at the next tick.
func (h *Heartbeat) Update(state, requestID string) {
	status := protocol.DaemonStatus{State: state, RequestID: requestID}
	if state == protocol.DaemonProcessing {
		status.StartedAt = time.Now().UnixMilli()
	}
	select {
	case h.updates <- status:
	default:
	}
}

// Start runs the reporter under a crash supervisor until ctx is done.
func (h *Heartbeat) Start(ctx context.Context) {
	go h.supervise(ctx)
}

func (h *Heartbeat) supervise(ctx context.Context) {
	backoff := restartBackoff
	var restarts []time.Time

	for ctx.Err() == nil {
		crashed := h.runRecovered(ctx)
		if !crashed || ctx.Err() != nil {
			return
		}

		now := time.Now()
		restarts = append(restarts, now)
		recent := restarts[:0]
		for _, t := range restarts {
			if now.Sub(t) <= restartWindow {
				recent = append(recent, t)
			}
		}
		restarts = recent
		if len(restarts) > maxRestarts {
			slog.Error("heartbeat reporter crash loop, giving up", "restarts", len(restarts))
			return
		}

		slog.Warn("heartbeat reporter crashed, restarting", "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runRecovered runs the reporter loop, converting a panic into a crashed
// return instead of daemon death.
func (h *Heartbeat) runRecovered(ctx context.Context) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("heartbeat reporter panic", "panic", fmt.Sprint(r))
			crashed = true
		}
	}()
	h.run(ctx)
	return false
}

func (h *Heartbeat) run(ctx context.Context) {
	current := protocol.DaemonStatus{State: protocol.DaemonIdle}
	h.write(current)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.write(protocol.DaemonStatus{State: protocol.DaemonIdle})
			return
		case status := <-h.updates:
			if status.State == protocol.DaemonShutdown {
				// Shutdown message: one final write with state idle, then exit.
				h.write(protocol.DaemonStatus{State: protocol.DaemonIdle})
				return
			}
			current = status
			h.write(current)
		case <-ticker.C:
			h.write(current)
		}
	}
}

func (h *Heartbeat) write(status protocol.DaemonStatus) {
	now := time.Now().UnixMilli()
	status.Ts = now
	status.PID = h.pid

	hbPath := filepath.Join(h.ipcDir, protocol.HeartbeatFile)
	if err := spool.WriteFileAtomic(hbPath, []byte(strconv.FormatInt(now, 10))); err != nil {
		slog.Warn("heartbeat write failed", "error", err)
	}
	statusPath := filepath.Join(h.ipcDir, protocol.StatusFile)
	if err := spool.WriteJSONAtomic(statusPath, &status); err != nil {
		slog.Warn("status write failed", "error", err)
	}
}

// Package daemon runs the request-spool loop: watch the request directory,
// claim one request at a time, supervise the worker, and publish responses.
// One request is in flight at any moment; cancellation and shutdown are
// cooperative through files and context.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dotsetlabs/dotclaw/internal/agent"
	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/spool"
	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

// Daemon owns the spool loop.
type Daemon struct {
	cfg       *config.Config
	runner    *agent.Runner
	heartbeat *Heartbeat
	dirs      spool.Dirs
}

func New(cfg *config.Config, runner *agent.Runner) (*Daemon, error) {
	dirs, err := spool.ResolveDirs(cfg.IPCDir)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:       cfg,
		runner:    runner,
		heartbeat: NewHeartbeat(cfg.IPCDir, cfg.Daemon.HeartbeatIntervalMs),
		dirs:      dirs,
	}, nil
}

// Run processes requests until ctx is cancelled, then drains the in-flight
// request within the shutdown grace period.
func (d *Daemon) Run(ctx context.Context) error {
	d.heartbeat.Start(ctx)

	pollMs := d.cfg.Daemon.PollMs
	if pollMs <= 0 {
		pollMs = 500
	}
	ticker := time.NewTicker(time.Duration(pollMs) * time.Millisecond)
	defer ticker.Stop()

	// fsnotify wakes the scan early; the poll timer is the fallback for
	// filesystems that drop events.
	var wake <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(d.dirs.Requests); werr == nil {
			wake = watcher.Events
			defer watcher.Close()
		} else {
			slog.Warn("spool watch unavailable, polling only", "error", werr)
			watcher.Close()
		}
	} else {
		slog.Warn("fsnotify unavailable, polling only", "error", err)
	}

	slog.Info("daemon started", "requests", d.dirs.Requests, "poll_ms", pollMs)
	for {
		if err := d.drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			d.heartbeat.Update(protocol.DaemonShutdown, "")
			slog.Info("daemon stopped")
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// drain processes every pending request in filename order.
func (d *Daemon) drain(ctx context.Context) error {
	ids, err := spool.PendingRequests(d.dirs.Requests)
	if err != nil {
		return fmt.Errorf("daemon: scan: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}
		d.processOne(ctx, id)
	}
	return nil
}

func (d *Daemon) processOne(ctx context.Context, id string) {
	// Cancel observed before dispatch: drop both files, publish nothing.
	if spool.CancelRequested(d.dirs.Requests, id) {
		slog.Info("request cancelled before dispatch", "id", id)
		spool.RemoveRequest(d.dirs.Requests, id)
		return
	}

	claimed, err := spool.ClaimRequest(d.dirs.Requests, id)
	if err != nil {
		// Another scan claimed it or the host withdrew it.
		return
	}

	data, err := os.ReadFile(claimed)
	if err != nil {
		d.publish(id, protocol.ErrorResponse(fmt.Sprintf("read request: %v", err)))
		spool.RemoveRequest(d.dirs.Requests, id)
		return
	}
	req, err := protocol.DecodeRequest(data, id)
	if err != nil {
		d.publish(id, protocol.ErrorResponse(err.Error()))
		spool.RemoveRequest(d.dirs.Requests, id)
		return
	}

	d.heartbeat.Update(protocol.DaemonProcessing, req.ID)
	defer d.heartbeat.Update(protocol.DaemonIdle, "")

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	cancelled := make(chan struct{})
	go d.watchCancel(runCtx, id, cancelled, cancelRun)

	done := make(chan *protocol.Response, 1)
	go func() {
		done <- d.safeRun(runCtx, req)
	}()

	grace := time.Duration(d.cfg.Daemon.ShutdownGraceSec) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}

	var resp *protocol.Response
	select {
	case resp = <-done:
	case <-ctx.Done():
		d.heartbeat.Update(protocol.DaemonShutdown, req.ID)
		select {
		case resp = <-done:
		case <-time.After(grace):
			cancelRun()
			resp = protocol.ErrorResponse("Daemon shutting down")
			slog.Warn("shutdown grace expired, publishing synthetic error", "id", req.ID)
		}
	}

	select {
	case <-cancelled:
		// Host-side cancel: remove both files, no response.
		slog.Info("request cancelled mid-run", "id", id)
		spool.RemoveRequest(d.dirs.Requests, id)
		return
	default:
	}

	d.publish(req.ID, resp)
	spool.RemoveRequest(d.dirs.Requests, id)

	if resp.Status == protocol.StatusSuccess {
		sessionID := req.SessionID
		if resp.NewSessionID != "" {
			sessionID = resp.NewSessionID
		}
		d.runner.MaybeExtractMemory(req, sessionID)
	}
}

// watchCancel polls for the cancel file while the run is in flight.
func (d *Daemon) watchCancel(ctx context.Context, id string, cancelled chan struct{}, cancelRun context.CancelFunc) {
	pollMs := d.cfg.Daemon.PollMs
	if pollMs <= 0 {
		pollMs = 500
	}
	interval := time.Duration(pollMs/2) * time.Millisecond
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if spool.CancelRequested(d.dirs.Requests, id) {
				close(cancelled)
				cancelRun()
				return
			}
		}
	}
}

// safeRun converts a worker panic into an error response; the daemon never
// dies with a request claimed.
func (d *Daemon) safeRun(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "id", req.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			resp = protocol.ErrorResponse(fmt.Sprintf("worker panic: %v", r))
		}
	}()
	return d.runner.Run(ctx, req)
}

func (d *Daemon) publish(id string, resp *protocol.Response) {
	if err := spool.PublishResponse(d.dirs.Responses, id, resp); err != nil {
		slog.Error("publish response failed", "id", id, "error", err)
	}
}

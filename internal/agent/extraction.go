package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/sessions"
	"github.com/dotsetlabs/dotclaw/internal/spool"
)

// extractionStatus records the last extraction attempt; failures land here
// and are never surfaced to the user.
type extractionStatus struct {
	SessionID string `json:"session_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Ts        int64  `json:"ts"`
}

// ExtractMemory runs one minimal-mode summarization turn over the tail of
// the session history and merges the result into state. Callers run it
// after response publication; errors only reach the status file.
func ExtractMemory(ctx context.Context, ipcDir string, sess *sessions.Session, cfg config.MemoryExtractionConfig, summarize Summarizer) {
	status := extractionStatus{SessionID: sess.ID, Ts: time.Now().UnixMilli()}
	err := extract(ctx, sess, cfg, summarize)
	if err != nil {
		status.Error = err.Error()
	} else {
		status.OK = true
	}
	statusPath := filepath.Join(ipcDir, "memory_extraction_status.json")
	_ = spool.WriteJSONAtomic(statusPath, &status)
}

func extract(ctx context.Context, sess *sessions.Session, cfg config.MemoryExtractionConfig, summarize Summarizer) error {
	history, err := sess.LoadHistory()
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	maxMsgs := cfg.MaxMessages
	if maxMsgs <= 0 {
		maxMsgs = 12
	}
	if len(history) > maxMsgs {
		history = history[len(history)-maxMsgs:]
	}

	var b strings.Builder
	b.WriteString("Extract durable memory from this conversation tail.\n")
	b.WriteString("Respond with JSON only: {\"summary\": \"...\", \"facts\": [\"...\"]}.\n\nConversation:\n")
	for _, m := range history {
		b.WriteString(m.Role + ": " + m.Content + "\n")
	}

	text, err := summarize(ctx, b.String())
	if err != nil {
		return fmt.Errorf("extraction call: %w", err)
	}
	payload, err := parseSummaryPayload(text)
	if err != nil {
		return fmt.Errorf("extraction parse: %w", err)
	}

	state := sess.State()
	if payload.Summary != "" {
		state.Summary = payload.Summary
	}
	state.Facts = sessions.MergeFacts(state.Facts, payload.Facts)
	return sess.SaveState(state)
}

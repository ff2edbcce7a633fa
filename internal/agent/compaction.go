package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dotsetlabs/dotclaw/internal/sessions"
)

// Compaction splits the non-recent history into token-bounded parts so each
// summarization call stays well inside the summary model's window.
const (
	compactionPartTokens = 40000
	maxCompactionParts   = 3
)

// Summarizer runs one minimal-mode LLM turn and returns the raw model text.
// Compaction and memory extraction share this shape.
type Summarizer func(ctx context.Context, prompt string) (string, error)

// summaryPayload is the JSON object the summary model is asked to produce.
type summaryPayload struct {
	Summary string   `json:"summary"`
	Facts   []string `json:"facts"`
}

// CompactSession summarizes the older history into the session state and
// rewrites the history down to the recent window. On any summarization
// failure the history and state are left untouched and the original history
// is returned.
func CompactSession(ctx context.Context, sess *sessions.Session, history []sessions.Message, budget Budget, summarize Summarizer, archiveSync bool) ([]sessions.Message, error) {
	older, recent := budget.RecentWindow(history)
	if len(older) == 0 {
		return history, nil
	}

	if _, err := sess.Archive(history); err != nil {
		return history, fmt.Errorf("compaction: archive: %w", err)
	}

	state := sess.State()
	parts := splitParts(older, budget.Estimator)

	var partSummaries []string
	var newFacts []string
	for i, part := range parts {
		prompt := buildSummaryPrompt(state.Summary, partSummaries, part)
		text, err := summarize(ctx, prompt)
		if err != nil {
			return history, fmt.Errorf("compaction: summarize part %d/%d: %w", i+1, len(parts), err)
		}
		payload, err := parseSummaryPayload(text)
		if err != nil {
			return history, fmt.Errorf("compaction: parse part %d/%d: %w", i+1, len(parts), err)
		}
		if payload.Summary != "" {
			partSummaries = append(partSummaries, payload.Summary)
		}
		newFacts = append(newFacts, payload.Facts...)
	}

	merged := strings.Join(partSummaries, " ")
	newState := sessions.State{
		Summary:        merged,
		Facts:          sessions.MergeFacts(state.Facts, newFacts),
		LastSummarySeq: older[len(older)-1].Seq,
	}
	if err := sess.SaveState(newState); err != nil {
		return history, err
	}
	if err := sess.WriteHistory(recent); err != nil {
		return recent, err
	}

	if archiveSync {
		publishCompactionSink(sess, merged, newFacts)
	}
	return recent, nil
}

// splitParts divides messages into at most maxCompactionParts contiguous
// chunks of roughly compactionPartTokens each.
func splitParts(msgs []sessions.Message, est Estimator) [][]sessions.Message {
	total := 0
	for _, m := range msgs {
		total += est.Text(m.Content) + est.TokensPerMessage
	}
	if total <= compactionPartTokens {
		return [][]sessions.Message{msgs}
	}

	count := (total + compactionPartTokens - 1) / compactionPartTokens
	if count > maxCompactionParts {
		count = maxCompactionParts
	}
	target := total/count + 1

	var parts [][]sessions.Message
	var current []sessions.Message
	used := 0
	for _, m := range msgs {
		cost := est.Text(m.Content) + est.TokensPerMessage
		if used+cost > target && len(current) > 0 && len(parts) < count-1 {
			parts = append(parts, current)
			current = nil
			used = 0
		}
		current = append(current, m)
		used += cost
	}
	if len(current) > 0 {
		parts = append(parts, current)
	}
	return parts
}

func buildSummaryPrompt(priorSummary string, partSummaries []string, part []sessions.Message) string {
	var b strings.Builder
	b.WriteString("Summarize the conversation below and extract durable facts about the user or task.\n")
	b.WriteString("Respond with JSON only: {\"summary\": \"...\", \"facts\": [\"...\"]}.\n")

	if priorSummary != "" {
		b.WriteString("\nExisting summary:\n" + priorSummary + "\n")
	}
	for _, s := range partSummaries {
		b.WriteString("\nSummary of earlier part:\n" + s + "\n")
	}

	b.WriteString("\nConversation:\n")
	for _, m := range part {
		b.WriteString(m.Role + ": " + m.Content + "\n")
	}
	return b.String()
}

// parseSummaryPayload tolerates code fences and prose around the JSON object.
func parseSummaryPayload(text string) (*summaryPayload, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in summary output")
	}
	var payload summaryPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("decode summary output: %w", err)
	}
	return &payload, nil
}

func publishCompactionSink(sess *sessions.Session, summary string, facts []string) {
	var items []sessions.SinkItem
	if summary != "" {
		items = append(items, sessions.SinkItem{
			Scope:      "group",
			Type:       "archive",
			Content:    summary,
			Importance: 0.5,
			Confidence: 0.7,
			Tags:       []string{"compaction"},
		})
	}
	for _, f := range facts {
		items = append(items, sessions.SinkItem{
			Scope:      "group",
			Type:       "fact",
			Content:    f,
			Importance: 0.6,
			Confidence: 0.8,
		})
	}
	if err := sess.PublishSink(items); err != nil {
		slog.Warn("memory sink publish failed", "session", sess.ID, "error", err)
	}
}

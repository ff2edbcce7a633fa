package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetlabs/dotclaw/internal/sessions"
)

func compactionFixture(t *testing.T) (*sessions.Session, []sessions.Message, string) {
	t.Helper()
	root := t.TempDir()
	store, err := sessions.NewStore(root)
	if err != nil {
		t.Fatal(err)
	}
	sess, _, err := store.Acquire("compact-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Release)

	var history []sessions.Message
	for i := 0; i < 10; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msg, err := sess.AppendHistory(role, strings.Repeat("m", 100))
		if err != nil {
			t.Fatal(err)
		}
		history = append(history, msg)
	}
	return sess, history, filepath.Join(root, "compact-test")
}

func compactionBudget() Budget {
	return Budget{
		RecentContextTokens: 300,
		Estimator:           Estimator{TokensPerChar: 1, TokensPerMessage: 1},
	}
}

func TestCompactSession(t *testing.T) {
	sess, history, dir := compactionFixture(t)

	var prompts []string
	summarize := func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return `{"summary": "the gist", "facts": ["likes go"]}`, nil
	}

	recent, err := CompactSession(context.Background(), sess, history, compactionBudget(), summarize, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) >= len(history) {
		t.Fatalf("nothing compacted: %d messages", len(recent))
	}

	st := sess.State()
	if st.Summary != "the gist" {
		t.Errorf("summary = %q", st.Summary)
	}
	if len(st.Facts) != 1 || st.Facts[0] != "likes go" {
		t.Errorf("facts = %v", st.Facts)
	}
	wantSeq := history[len(history)-len(recent)-1].Seq
	if st.LastSummarySeq != wantSeq {
		t.Errorf("lastSummarySeq = %d, want %d", st.LastSummarySeq, wantSeq)
	}

	// History file rewritten down to the recent window.
	onDisk, err := sess.LoadHistory()
	if err != nil {
		t.Fatal(err)
	}
	if len(onDisk) != len(recent) {
		t.Errorf("history on disk = %d, want %d", len(onDisk), len(recent))
	}

	// Full pre-compaction history archived.
	archives, err := os.ReadDir(filepath.Join(dir, "archives"))
	if err != nil || len(archives) != 1 {
		t.Errorf("archives = %v, %v", archives, err)
	}

	if len(prompts) != 1 {
		t.Fatalf("summarize calls = %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "Respond with JSON only") {
		t.Errorf("prompt missing JSON instruction: %q", prompts[0])
	}
}

func TestCompactSessionCarriesPriorSummary(t *testing.T) {
	sess, history, _ := compactionFixture(t)
	if err := sess.SaveState(sessions.State{Summary: "previous gist"}); err != nil {
		t.Fatal(err)
	}

	var sawPrior bool
	summarize := func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "previous gist") {
			sawPrior = true
		}
		return `{"summary": "updated", "facts": []}`, nil
	}
	if _, err := CompactSession(context.Background(), sess, history, compactionBudget(), summarize, false); err != nil {
		t.Fatal(err)
	}
	if !sawPrior {
		t.Error("prior summary not fed to the summarizer")
	}
}

func TestCompactSessionFailureLeavesSessionUntouched(t *testing.T) {
	sess, history, _ := compactionFixture(t)

	summarize := func(context.Context, string) (string, error) {
		return "", errors.New("model unavailable")
	}
	got, err := CompactSession(context.Background(), sess, history, compactionBudget(), summarize, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(got) != len(history) {
		t.Errorf("history shrank on failure: %d", len(got))
	}
	if st := sess.State(); st.Summary != "" || st.LastSummarySeq != 0 {
		t.Errorf("state modified on failure: %+v", st)
	}
	onDisk, _ := sess.LoadHistory()
	if len(onDisk) != len(history) {
		t.Errorf("history file rewritten on failure: %d", len(onDisk))
	}
}

func TestCompactSessionMalformedPayload(t *testing.T) {
	sess, history, _ := compactionFixture(t)
	summarize := func(context.Context, string) (string, error) {
		return "no json here", nil
	}
	if _, err := CompactSession(context.Background(), sess, history, compactionBudget(), summarize, false); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCompactSessionSinkPublish(t *testing.T) {
	sess, history, dir := compactionFixture(t)
	summarize := func(context.Context, string) (string, error) {
		return `{"summary": "archived", "facts": ["fact one"]}`, nil
	}
	if _, err := CompactSession(context.Background(), sess, history, compactionBudget(), summarize, true); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "memory_sink.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Errorf("sink lines = %d", len(lines))
	}
	if !strings.Contains(lines[0], `"archive"`) || !strings.Contains(lines[1], `"fact"`) {
		t.Errorf("sink contents: %v", lines)
	}
}

func TestSplitParts(t *testing.T) {
	est := Estimator{TokensPerChar: 1, TokensPerMessage: 1}

	small := []sessions.Message{{Content: "a"}, {Content: "b"}}
	if parts := splitParts(small, est); len(parts) != 1 {
		t.Errorf("small history parts = %d", len(parts))
	}

	var big []sessions.Message
	for i := 0; i < 6; i++ {
		big = append(big, sessions.Message{Seq: int64(i + 1), Content: strings.Repeat("x", 15000)})
	}
	parts := splitParts(big, est)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	total := 0
	var lastSeq int64
	for _, p := range parts {
		for _, m := range p {
			total++
			if m.Seq <= lastSeq {
				t.Error("part split broke message order")
			}
			lastSeq = m.Seq
		}
	}
	if total != len(big) {
		t.Errorf("messages lost in split: %d of %d", total, len(big))
	}

	// Part count is capped even for very large histories.
	var huge []sessions.Message
	for i := 0; i < 10; i++ {
		huge = append(huge, sessions.Message{Seq: int64(i + 1), Content: strings.Repeat("x", 20000)})
	}
	if parts := splitParts(huge, est); len(parts) != 3 {
		t.Errorf("huge parts = %d, want cap 3", len(parts))
	}
}

func TestParseSummaryPayload(t *testing.T) {
	payload, err := parseSummaryPayload("```json\n{\"summary\": \"s\", \"facts\": [\"f\"]}\n```")
	if err != nil {
		t.Fatal(err)
	}
	if payload.Summary != "s" || len(payload.Facts) != 1 {
		t.Errorf("payload = %+v", payload)
	}

	if _, err := parseSummaryPayload("nothing structured"); err == nil {
		t.Error("expected error for non-JSON output")
	}
}

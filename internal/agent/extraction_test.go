package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/sessions"
)

func extractionFixture(t *testing.T, turns int) (*sessions.Session, string) {
	t.Helper()
	root := t.TempDir()
	store, err := sessions.NewStore(root)
	if err != nil {
		t.Fatal(err)
	}
	sess, _, err := store.Acquire("extract-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Release)

	for i := 0; i < turns; i++ {
		if _, err := sess.AppendHistory("user", "my name is alex"); err != nil {
			t.Fatal(err)
		}
		if _, err := sess.AppendHistory("assistant", "noted"); err != nil {
			t.Fatal(err)
		}
	}
	return sess, root
}

func readExtractionStatus(t *testing.T, ipcDir string) extractionStatus {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ipcDir, "memory_extraction_status.json"))
	if err != nil {
		t.Fatal(err)
	}
	var status extractionStatus
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	return status
}

func TestExtractMemory(t *testing.T) {
	sess, _ := extractionFixture(t, 2)
	ipc := t.TempDir()

	summarize := func(_ context.Context, prompt string) (string, error) {
		if !strings.Contains(prompt, "my name is alex") {
			t.Errorf("conversation tail missing from prompt")
		}
		return `{"summary": "introductions", "facts": ["user is named alex"]}`, nil
	}
	ExtractMemory(context.Background(), ipc, sess, config.MemoryExtractionConfig{}, summarize)

	status := readExtractionStatus(t, ipc)
	if !status.OK || status.SessionID != "extract-test" || status.Ts == 0 {
		t.Errorf("status = %+v", status)
	}

	st := sess.State()
	if st.Summary != "introductions" {
		t.Errorf("summary = %q", st.Summary)
	}
	if len(st.Facts) != 1 || st.Facts[0] != "user is named alex" {
		t.Errorf("facts = %v", st.Facts)
	}
}

func TestExtractMemoryLimitsTail(t *testing.T) {
	sess, _ := extractionFixture(t, 10)
	ipc := t.TempDir()

	var prompt string
	summarize := func(_ context.Context, p string) (string, error) {
		prompt = p
		return `{"summary": "", "facts": []}`, nil
	}
	ExtractMemory(context.Background(), ipc, sess, config.MemoryExtractionConfig{MaxMessages: 4}, summarize)

	if got := strings.Count(prompt, "user: "); got != 2 {
		t.Errorf("user lines in tail = %d, want 2", got)
	}
}

func TestExtractMemoryFailureRecorded(t *testing.T) {
	sess, _ := extractionFixture(t, 1)
	ipc := t.TempDir()

	summarize := func(context.Context, string) (string, error) {
		return "", errors.New("model offline")
	}
	ExtractMemory(context.Background(), ipc, sess, config.MemoryExtractionConfig{}, summarize)

	status := readExtractionStatus(t, ipc)
	if status.OK || !strings.Contains(status.Error, "model offline") {
		t.Errorf("status = %+v", status)
	}
	if st := sess.State(); st.Summary != "" || len(st.Facts) != 0 {
		t.Errorf("state modified on failure: %+v", st)
	}
}

func TestExtractMemoryEmptySummaryKeepsExisting(t *testing.T) {
	sess, _ := extractionFixture(t, 1)
	ipc := t.TempDir()
	if err := sess.SaveState(sessions.State{Summary: "kept"}); err != nil {
		t.Fatal(err)
	}

	summarize := func(context.Context, string) (string, error) {
		return `{"summary": "", "facts": ["new fact"]}`, nil
	}
	ExtractMemory(context.Background(), ipc, sess, config.MemoryExtractionConfig{}, summarize)

	st := sess.State()
	if st.Summary != "kept" {
		t.Errorf("empty extracted summary must not erase the existing one: %q", st.Summary)
	}
	if len(st.Facts) != 1 {
		t.Errorf("facts = %v", st.Facts)
	}
}

// Package sessions implements durable per-session conversation storage:
// an append-only history.jsonl plus a state.json snapshot per session
// directory, with crash-safe writes and pre-compaction archival.
package sessions

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetlabs/dotclaw/internal/spool"
)

// MaxFacts caps the persisted facts list. Compaction appends newly extracted
// facts to the tail, so the cap keeps the newest entries.
const MaxFacts = 30

// Message is one history record.
type Message struct {
	Seq     int64  `json:"seq"`
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
	Ts      int64  `json:"ts"` // epoch ms
}

// State is the durable memory snapshot for a session.
type State struct {
	Summary        string   `json:"summary"`
	Facts          []string `json:"facts"`
	LastSummarySeq int64    `json:"lastSummarySeq"`
}

// Store hands out exclusive per-session contexts.
type Store struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: mkdir root: %w", err)
	}
	return &Store{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Session is the exclusive writer handle for one session. Callers must
// Release on every exit path; no two runs hold the same session at once.
type Session struct {
	ID    string
	dir   string
	mu    *sync.Mutex
	state State

	maxSeq int64
}

// Acquire opens (or creates) a session and takes its writer lock. isNew is
// true when the caller passed no session id. Release must always follow.
func (s *Store) Acquire(sessionID string) (sess *Session, isNew bool, err error) {
	isNew = sessionID == ""
	if isNew {
		sessionID = uuid.NewString()
	}
	if strings.ContainsAny(sessionID, `/\`) || !filepath.IsLocal(sessionID) {
		return nil, false, fmt.Errorf("sessions: invalid session id %q", sessionID)
	}

	s.mu.Lock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer func() {
		if err != nil {
			lock.Unlock()
		}
	}()

	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("sessions: mkdir %s: %w", sessionID, err)
	}

	sess = &Session{ID: sessionID, dir: dir, mu: lock}
	if err := sess.load(); err != nil {
		return nil, false, err
	}
	return sess, isNew, nil
}

// Release returns the session writer lock.
func (c *Session) Release() {
	c.mu.Unlock()
}

func (c *Session) historyPath() string { return filepath.Join(c.dir, "history.jsonl") }
func (c *Session) statePath() string   { return filepath.Join(c.dir, "state.json") }

func (c *Session) load() error {
	history, err := c.LoadHistory()
	if err != nil {
		return err
	}
	for _, m := range history {
		if m.Seq > c.maxSeq {
			c.maxSeq = m.Seq
		}
	}

	data, err := os.ReadFile(c.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessions: read state: %w", err)
	}
	if err := json.Unmarshal(data, &c.state); err != nil {
		return fmt.Errorf("sessions: parse state: %w", err)
	}
	return nil
}

// LoadHistory returns the ordered message sequence. Unparseable lines are
// skipped rather than failing the whole session.
func (c *Session) LoadHistory() ([]Message, error) {
	f, err := os.Open(c.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessions: open history: %w", err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessions: scan history: %w", err)
	}
	return msgs, nil
}

// AppendHistory assigns the next seq and durably appends one message.
func (c *Session) AppendHistory(role, content string) (Message, error) {
	msg := Message{
		Seq:     c.maxSeq + 1,
		Role:    role,
		Content: content,
		Ts:      time.Now().UnixMilli(),
	}

	history, err := c.LoadHistory()
	if err != nil {
		return Message{}, err
	}
	history = append(history, msg)
	if err := c.WriteHistory(history); err != nil {
		return Message{}, err
	}
	c.maxSeq = msg.Seq
	return msg, nil
}

// WriteHistory atomically rewrites the full history file. Only compaction
// and AppendHistory call this.
func (c *Session) WriteHistory(msgs []Message) error {
	var buf bytes.Buffer
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("sessions: marshal message: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := spool.WriteFileAtomic(c.historyPath(), buf.Bytes()); err != nil {
		return err
	}

	c.maxSeq = 0
	for _, m := range msgs {
		if m.Seq > c.maxSeq {
			c.maxSeq = m.Seq
		}
	}
	return nil
}

// State returns a copy of the memory snapshot.
func (c *Session) State() State {
	st := c.state
	st.Facts = append([]string(nil), c.state.Facts...)
	return st
}

// SaveState persists the memory snapshot atomically. Facts are deduped and
// capped; lastSummarySeq never moves backward.
func (c *Session) SaveState(st State) error {
	if st.LastSummarySeq < c.state.LastSummarySeq {
		st.LastSummarySeq = c.state.LastSummarySeq
	}
	st.Facts = MergeFacts(nil, st.Facts)

	if err := spool.WriteJSONAtomic(c.statePath(), &st); err != nil {
		return err
	}
	c.state = st
	return nil
}

// Archive writes a timestamped copy of the history before compaction.
// Archives are never deleted.
func (c *Session) Archive(msgs []Message) (string, error) {
	dir := filepath.Join(c.dir, "archives")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sessions: mkdir archives: %w", err)
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return "", fmt.Errorf("sessions: marshal archive message: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	name := time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	path := filepath.Join(dir, name)
	if err := spool.WriteFileAtomic(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// SinkItem is one long-term memory archive record.
type SinkItem struct {
	Scope      string   `json:"scope"` // "group"
	Type       string   `json:"type"`  // "archive" or "fact"
	Content    string   `json:"content"`
	Importance float64  `json:"importance"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags,omitempty"`
	Ts         int64    `json:"ts"`
}

// PublishSink appends items to the session's long-term memory sink file.
func (c *Session) PublishSink(items []SinkItem) error {
	if len(items) == 0 {
		return nil
	}
	path := filepath.Join(c.dir, "memory_sink.jsonl")

	var buf bytes.Buffer
	existing, err := os.ReadFile(path)
	if err == nil {
		buf.Write(existing)
	}
	now := time.Now().UnixMilli()
	for _, item := range items {
		if item.Ts == 0 {
			item.Ts = now
		}
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("sessions: marshal sink item: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return spool.WriteFileAtomic(path, buf.Bytes())
}

// MaxSeq returns the highest seq in the session's history.
func (c *Session) MaxSeq() int64 { return c.maxSeq }

// MergeFacts unions newFacts onto existing, deduplicating case-insensitively
// and capping at MaxFacts keeping the most recent entries.
func MergeFacts(existing, newFacts []string) []string {
	var merged []string
	seen := make(map[string]int) // folded fact → index in merged

	add := func(fact string) {
		fact = strings.TrimSpace(fact)
		if fact == "" {
			return
		}
		key := strings.ToLower(fact)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = len(merged)
		merged = append(merged, fact)
	}
	for _, f := range existing {
		add(f)
	}
	for _, f := range newFacts {
		add(f)
	}

	if len(merged) > MaxFacts {
		merged = merged[len(merged)-MaxFacts:]
	}
	return merged
}

// LimitHistoryTurns keeps only the last n user+assistant turn pairs. A turn
// is one user message plus all following non-user messages.
func LimitHistoryTurns(history []Message, n int) []Message {
	if n <= 0 || len(history) == 0 {
		return history
	}

	userCount := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			userCount++
			if userCount == n {
				return history[i:]
			}
		}
	}
	return history
}

// ShouldCompact reports whether estimated tokens exceed the trigger. The
// boundary is strict: exactly at the trigger does not compact.
func ShouldCompact(totalTokens, triggerTokens int) bool {
	return totalTokens > triggerTokens
}

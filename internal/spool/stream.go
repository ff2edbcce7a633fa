package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StreamWriter publishes incremental text deltas as numbered chunk files in
// a stream directory, then a terminal "done" or "error" marker. The stream
// is advisory; the authoritative response is the JSON envelope. Readers must
// tolerate a missing marker (worker killed mid-run).
type StreamWriter struct {
	dir    string
	mu     sync.Mutex
	seq    int
	closed bool
}

// NewStreamWriter creates the stream directory if needed. A nil StreamWriter
// is valid and discards all writes.
func NewStreamWriter(dir string) (*StreamWriter, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stream: mkdir %s: %w", dir, err)
	}
	return &StreamWriter{dir: dir}, nil
}

// WriteChunk atomically publishes one text delta. Empty deltas are skipped.
func (w *StreamWriter) WriteChunk(delta string) error {
	if w == nil || delta == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.seq++
	name := fmt.Sprintf("chunk_%06d.txt", w.seq)
	return WriteFileAtomic(filepath.Join(w.dir, name), []byte(delta))
}

// Done writes the empty done marker. Done and Error are mutually exclusive;
// the first terminal marker wins.
func (w *StreamWriter) Done() error {
	return w.finish("done", nil)
}

// Error writes the error marker containing the failure message.
func (w *StreamWriter) Error(message string) error {
	return w.finish("error", []byte(message))
}

func (w *StreamWriter) finish(marker string, body []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return WriteFileAtomic(filepath.Join(w.dir, marker), body)
}

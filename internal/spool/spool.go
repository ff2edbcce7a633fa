// Package spool implements the filesystem IPC surface: atomic file writes,
// the request/response spools, and the advisory stream-chunk channel.
// Every state-bearing write goes through write-temp + rename so readers
// never observe partial content.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("spool: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("spool: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("spool: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("spool: rename into place: %w", err)
	}
	cleanup = false
	return nil
}

// WriteJSONAtomic marshals v and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("spool: marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data)
}

// Dirs resolves the spool directories under the IPC root.
type Dirs struct {
	Requests  string
	Responses string
	IPC       string
}

// ResolveDirs builds the spool layout under ipcDir and creates the directories.
func ResolveDirs(ipcDir string) (Dirs, error) {
	d := Dirs{
		IPC:       ipcDir,
		Requests:  filepath.Join(ipcDir, protocol.RequestDirName),
		Responses: filepath.Join(ipcDir, protocol.ResponseDirName),
	}
	for _, dir := range []string{d.IPC, d.Requests, d.Responses} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return d, fmt.Errorf("spool: mkdir %s: %w", dir, err)
		}
	}
	return d, nil
}

// claimedSuffix marks a request file the daemon has taken ownership of.
const claimedSuffix = ".claimed"

// PendingRequests lists unclaimed request ids in ascending filename order.
func PendingRequests(requestDir string) ([]string, error) {
	entries, err := os.ReadDir(requestDir)
	if err != nil {
		return nil, fmt.Errorf("spool: read request dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// RequestPath returns the spool path for a request id.
func RequestPath(requestDir, id string) string {
	return filepath.Join(requestDir, id+".json")
}

// CancelPath returns the sibling cancel-file path for a request id.
func CancelPath(requestDir, id string) string {
	return filepath.Join(requestDir, id+protocol.CancelSuffix)
}

// CancelRequested reports whether a cancel file exists for the request.
func CancelRequested(requestDir, id string) bool {
	_, err := os.Stat(CancelPath(requestDir, id))
	return err == nil
}

// ClaimRequest atomically renames the request file to its claimed name and
// returns the claimed path. Failure to rename means another party won or the
// file vanished.
func ClaimRequest(requestDir, id string) (string, error) {
	src := RequestPath(requestDir, id)
	dst := src + claimedSuffix
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("spool: claim %s: %w", id, err)
	}
	return dst, nil
}

// RemoveRequest removes the claimed request file and any cancel sibling.
func RemoveRequest(requestDir, id string) {
	os.Remove(RequestPath(requestDir, id) + claimedSuffix)
	os.Remove(RequestPath(requestDir, id))
	os.Remove(CancelPath(requestDir, id))
}

// PublishResponse writes the response envelope atomically. The caller removes
// the request file only after this returns, preserving the
// response-before-removal ordering observers rely on.
func PublishResponse(responseDir, id string, resp *protocol.Response) error {
	return WriteJSONAtomic(filepath.Join(responseDir, id+".json"), resp)
}

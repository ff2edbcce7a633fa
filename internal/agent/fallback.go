package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dotsetlabs/dotclaw/internal/tools"
)

// toolExec runs one tool call through the loop's policy gate and recording.
type toolExec func(ctx context.Context, name string, args map[string]any) *tools.Result

var (
	createReadRe = regexp.MustCompile(`(?i)create\b.{0,20}\bfile\b.{0,10}(?:named |called )?["'` + "`" + `]?([\w./-]+)["'` + "`" + `]?\s+with\s+(\d+)\s+lines?\b.*\bread\b`)

	// Same shape without the word "file": the target is a bare path with
	// slash segments or a dot extension.
	createReadPathRe = regexp.MustCompile(`(?i)create\b.{0,10}["'` + "`" + `]?((?:[\w.-]*/)+[\w.-]+|[\w-]+\.\w{1,8})["'` + "`" + `]?\s+with\s+(\d+)\s+lines?\b.*\bread\b`)
	listNewestRe     = regexp.MustCompile(`(?i)list\b.{0,30}\bread\b.{0,20}\bnewest\b.{0,20}(?:in |from )["'` + "`" + `]?([\w./-]+)["'` + "`" + `]?`)
)

// DeterministicFallback executes a hard-coded tool sequence for the prompt
// shapes the nudge cannot recover from. handled is false when the prompt
// matches no known shape.
func DeterministicFallback(ctx context.Context, prompt string, exec toolExec) (text string, handled bool) {
	m := createReadRe.FindStringSubmatch(prompt)
	if m == nil {
		m = createReadPathRe.FindStringSubmatch(prompt)
	}
	if m != nil {
		return createThenRead(ctx, m[1], m[2], exec), true
	}
	if m := listNewestRe.FindStringSubmatch(prompt); m != nil {
		return listAndReadNewest(ctx, m[1], exec), true
	}
	return "", false
}

func createThenRead(ctx context.Context, path, countStr string, exec toolExec) string {
	n, _ := strconv.Atoi(countStr)
	if n <= 0 {
		n = 1
	}
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}

	if res := exec(ctx, "write_file", map[string]any{"path": path, "content": b.String()}); res.IsError {
		return fmt.Sprintf("Failed to create %s: %s", path, res.ForLLM)
	}
	res := exec(ctx, "read_file", map[string]any{"path": path})
	if res.IsError {
		return fmt.Sprintf("Created %s but could not read it back: %s", path, res.ForLLM)
	}
	return fmt.Sprintf("Created file %q with %d lines and verified it by reading it back.\nContents:\n%s", path, n, res.ForLLM)
}

func listAndReadNewest(ctx context.Context, dir string, exec toolExec) string {
	res := exec(ctx, "list_files", map[string]any{"path": dir})
	if res.IsError {
		return fmt.Sprintf("Failed to list %s: %s", dir, res.ForLLM)
	}

	// list_files returns entries newest first; take the first regular file.
	var newest string
	for _, line := range strings.Split(res.ForLLM, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, "/") {
			continue
		}
		newest = line
		break
	}
	if newest == "" {
		return fmt.Sprintf("No files found in %s.", dir)
	}

	read := exec(ctx, "read_file", map[string]any{"path": dir + "/" + newest})
	if read.IsError {
		return fmt.Sprintf("Found %s in %s but could not read it: %s", newest, dir, read.ForLLM)
	}
	return fmt.Sprintf("Newest file in %s is %s. Contents:\n%s", dir, newest, read.ForLLM)
}

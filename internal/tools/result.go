package tools

import (
	"strings"
	"unicode/utf8"
)

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM    string `json:"for_llm"`  // content fed back to the model
	IsError   bool   `json:"is_error"` // marks a structured tool error
	Truncated bool   `json:"truncated,omitempty"`
	Err       error  `json:"-"` // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

const truncationSuffix = "\n[OUTPUT TRUNCATED]"

// TruncateOutput bounds a tool result to limit bytes, cutting on a UTF-8
// boundary and appending the truncation suffix. limit <= 0 means unbounded.
func TruncateOutput(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}

	cut := limit - len(truncationSuffix)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationSuffix, true
}

// RedactArgs renders argument names only, never values, for response records.
func RedactArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	// Small n; insertion sort keeps output deterministic.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return "{" + strings.Join(names, ", ") + "}"
}

package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// Classification is the pre-run read of the prompt: whether the answer
// requires real tool execution, whether the tool schema should be withheld
// for this turn, and the prompt-derived output cap.
type Classification struct {
	RequiresTools bool
	Reason        string
	DisableTools  bool
	OutputCap     int // 0 = no prompt-derived cap
}

var (
	// A bare path (slash segments or a dot extension) counts as a file cue;
	// prompts name paths without saying "file".
	toolNeedRe = regexp.MustCompile(`(?i)\b(create|write|save|delete|remove|rename|move|copy)\b.{0,40}(\bfile\b|\bdirectory\b|\bfolder\b|(?:[\w.-]*/)+[\w.-]+|\b[\w-]+\.\w{1,8}\b)|` +
		`\b(list|read)\b.{0,40}\b(file|files|directory|folder)\b|` +
		`\b(download|fetch|upload|install|run|execute)\b|` +
		`\bsystem (state|status|info)\b`)

	// Markers that mean the answer lives in conversation memory, so the tool
	// schema is withheld for the turn. Patterns are deliberately narrow.
	memoryMarkerRe = regexp.MustCompile(`(?i)\[scenario:memory\]|earlier in this chat|what did you just\b`)

	oneWordRe  = regexp.MustCompile(`(?i)\b(one|single)[ -]word\b|\banswer with a word\b`)
	sentenceRe = regexp.MustCompile(`(?i)\b(one|a single|in one) sentence\b`)
	bulletsRe  = regexp.MustCompile(`(?i)\b(\d+)\s+bullets?\b`)
	conciseRe  = regexp.MustCompile(`(?i)\b(concise|brief|short)\b`)
)

// ClassifyPrompt derives the run classification from the user prompt.
func ClassifyPrompt(prompt string) Classification {
	var c Classification

	if memoryMarkerRe.MatchString(prompt) {
		c.DisableTools = true
	} else if toolNeedRe.MatchString(prompt) {
		c.RequiresTools = true
		c.Reason = "required_tool_execution"
	}

	c.OutputCap = promptOutputCap(prompt)
	return c
}

// promptOutputCap maps length cues in the prompt to a token cap. The most
// specific cue wins: one-word, then one-sentence, then N-bullets, then the
// generic concise cue.
func promptOutputCap(prompt string) int {
	switch {
	case oneWordRe.MatchString(prompt):
		return 48
	case sentenceRe.MatchString(prompt):
		return 180
	}
	if m := bulletsRe.FindStringSubmatch(prompt); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			tokens := 140 + 90*n
			if tokens < 180 {
				tokens = 180
			}
			if tokens > 900 {
				tokens = 900
			}
			return tokens
		}
	}
	if conciseRe.MatchString(prompt) {
		return 260
	}
	return 0
}

// EffectiveOutputCap combines the explicit per-run max with the prompt cap;
// the smaller positive value wins.
func EffectiveOutputCap(explicit, promptCap int) int {
	switch {
	case explicit > 0 && promptCap > 0:
		return min(explicit, promptCap)
	case promptCap > 0:
		return promptCap
	default:
		return explicit
	}
}

// NudgeMessage is the deterministic follow-up injected when a prompt that
// requires tool execution produced no tool calls.
func NudgeMessage(toolNames []string) string {
	return "This request requires using tools (" + strings.Join(toolNames, ", ") +
		"). Do not describe the steps; call the tools now."
}

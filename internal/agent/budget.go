package agent

import (
	"math"

	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/sessions"
	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

// SafetyMargin compensates for byte-count underestimation of tokenizers.
const SafetyMargin = 1.3

// truncatedSuffix marks a message clamped by the per-message byte budget.
const truncatedSuffix = "\n\n[Context truncated for length]"

// Estimator converts text and message counts into token estimates.
type Estimator struct {
	TokensPerChar    float64
	TokensPerMessage int
	TokensPerRequest int
}

// NewEstimator merges config defaults with request-level overrides.
func NewEstimator(cfg config.TokenEstimate, req *protocol.TokenEstimate) Estimator {
	e := Estimator{
		TokensPerChar:    cfg.TokensPerChar,
		TokensPerMessage: cfg.TokensPerMessage,
		TokensPerRequest: cfg.TokensPerRequest,
	}
	if req != nil {
		if req.TokensPerChar > 0 {
			e.TokensPerChar = req.TokensPerChar
		}
		if req.TokensPerMessage > 0 {
			e.TokensPerMessage = req.TokensPerMessage
		}
		if req.TokensPerRequest > 0 {
			e.TokensPerRequest = req.TokensPerRequest
		}
	}
	if e.TokensPerChar <= 0 {
		e.TokensPerChar = 0.28
	}
	return e
}

// Text estimates tokens for a string: ceil(utf8 bytes * tokens_per_char).
func (e Estimator) Text(s string) int {
	return int(math.Ceil(float64(len(s)) * e.TokensPerChar))
}

// Messages estimates one request's prompt tokens: per-message overhead plus
// per-request overhead, without the safety margin.
func (e Estimator) Messages(msgs []providers.Message) int {
	total := e.TokensPerRequest
	for _, m := range msgs {
		total += e.Text(m.Content) + e.TokensPerMessage
		for _, tc := range m.ToolCalls {
			total += e.Text(tc.RawArgs)
		}
	}
	return total
}

// WithMargin applies the safety margin to an estimate.
func WithMargin(tokens int) int {
	return int(math.Ceil(float64(tokens) * SafetyMargin))
}

// Budget holds every derived context limit for one run.
type Budget struct {
	ContextLength           int
	OutputReserve           int
	CompactionTriggerTokens int
	MaxContextMessageTokens int
	SystemPromptBudget      int
	RecentContextTokens     int
	Estimator               Estimator
}

// ResolveBudget derives all budgets from the model's declared capabilities
// and config. Capabilities come from the host; the core never infers them
// from model names.
func ResolveBudget(cfg *config.Config, req *protocol.Request) Budget {
	ctxLen := req.ModelCapabilities.ContextLength
	if ctxLen <= 0 {
		ctxLen = cfg.Context.MaxContextTokens
	}
	if ctxLen <= 0 {
		ctxLen = 128000
	}

	outputReserve := req.ModelMaxOutput
	if outputReserve <= 0 {
		outputReserve = cfg.Output.MaxOutputTokens
	}
	if outputReserve <= 0 {
		outputReserve = ctxLen / 4
	}

	trigger := cfg.Context.CompactionTriggerTokens
	if trigger <= 0 {
		trigger = max(1000, ctxLen-outputReserve)
	}

	perMessage := cfg.Context.MaxContextMessageTokens
	if perMessage <= 0 {
		perMessage = max(1000, int(float64(ctxLen)*0.03))
	}

	share := 0.12
	if req.IsScheduledTask {
		share = 0.10
	}
	promptBudget := int(float64(ctxLen) * share)
	if promptBudget < 1200 {
		promptBudget = 1200
	}
	if promptBudget > 6000 {
		promptBudget = 6000
	}

	recent := cfg.Context.RecentContextTokens
	if recent <= 0 {
		recent = min(24000, int(float64(ctxLen)*0.35))
	}

	return Budget{
		ContextLength:           ctxLen,
		OutputReserve:           outputReserve,
		CompactionTriggerTokens: trigger,
		MaxContextMessageTokens: perMessage,
		SystemPromptBudget:      promptBudget,
		RecentContextTokens:     recent,
		Estimator:               NewEstimator(cfg.Token, req.TokenEstimate),
	}
}

// clampMessage truncates a message whose byte length exceeds the per-message
// byte budget derived from MaxContextMessageTokens.
func (b Budget) clampMessage(content string) string {
	byteBudget := int(float64(b.MaxContextMessageTokens) / b.Estimator.TokensPerChar)
	if byteBudget <= 0 || len(content) <= byteBudget {
		return content
	}

	cut := byteBudget
	for cut > 0 && content[cut-1] >= 0x80 && content[cut-1] < 0xC0 {
		cut--
	}
	return content[:cut] + truncatedSuffix
}

// contextTokenRatio bounds how much of the remaining context the recent
// history may consume.
const contextTokenRatio = 0.5

// BuildContextMessages assembles the recent-history window for the prompt:
// newest messages that fit the resolved budget, each soft-clamped, oldest
// dropped until the final estimate (with margin) fits 75% of the window.
func (b Budget) BuildContextMessages(history []sessions.Message, systemPromptTokens int) []providers.Message {
	remaining := b.ContextLength - systemPromptTokens - b.OutputReserve
	if remaining < 0 {
		remaining = 0
	}
	resolved := min(b.RecentContextTokens, int(float64(remaining)*contextTokenRatio))
	if resolved < 1000 {
		resolved = 1000
	}

	// Walk backwards collecting messages that fit the window.
	var picked []sessions.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := b.Estimator.Text(history[i].Content) + b.Estimator.TokensPerMessage
		if used+cost > resolved && len(picked) > 0 {
			break
		}
		picked = append(picked, history[i])
		used += cost
	}

	msgs := make([]providers.Message, 0, len(picked))
	for i := len(picked) - 1; i >= 0; i-- {
		msgs = append(msgs, providers.Message{
			Role:    picked[i].Role,
			Content: b.clampMessage(picked[i].Content),
		})
	}

	// Final guard: the assembled prompt (with margin) must fit 75% of the
	// window unless only two messages remain.
	limit := int(float64(b.ContextLength) * 0.75)
	for len(msgs) > 2 {
		estimate := WithMargin(systemPromptTokens + b.Estimator.Messages(msgs))
		if estimate <= limit {
			break
		}
		msgs = msgs[1:]
	}
	return msgs
}

// RecentWindow splits history for compaction: everything before the recent
// window (older) and the newest messages fitting adjustedRecentTokens, with
// a soft minimum of 6 recent messages where possible.
func (b Budget) RecentWindow(history []sessions.Message) (older, recent []sessions.Message) {
	const softMin = 6

	used := 0
	split := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := b.Estimator.Text(history[i].Content) + b.Estimator.TokensPerMessage
		keep := len(history) - i
		if used+cost > b.RecentContextTokens && keep > softMin {
			break
		}
		used += cost
		split = i
	}
	if tail := len(history) - split; tail < softMin && len(history) >= softMin {
		split = len(history) - softMin
	}
	return history[:split], history[split:]
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/router"
	"github.com/dotsetlabs/dotclaw/internal/tools"
	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

const clearedToolOutput = "[Old tool result cleared to reduce context size.]"

// inputGuardRatio bounds the rebuilt conversation each follow-up round.
const inputGuardRatio = 0.45

// LLMCaller performs one chat call. The initial caller goes through the
// model router (cooldowns, overflow recovery); follow-up calls go straight
// to the model the router selected.
type LLMCaller func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)

var (
	transientErrRe = regexp.MustCompile(`(?i)timeout|timed out|temporar|connection (reset|refused)|\b5\d\d\b|unavailable|\bEOF\b`)
	fatalToolErrRe = regexp.MustCompile(`(?i)not found|no such|unknown tool|permission denied|denied by policy|not in the allow list|per-run limit|invalid|malformed|outside the workspace`)
)

// Loop runs the self-driven tool-execution loop: full conversation rebuilt
// on every follow-up call, schema-only descriptors on the wire, execution
// and policy kept entirely on this side.
type Loop struct {
	Tools          config.ToolsConfig
	Pruning        config.ContextPruningConfig
	Registry       *tools.Registry
	Policy         *tools.RunPolicy
	Budget         Budget
	Classification Classification
	Prompt         string

	// Initial is the routed call; Follow targets the model Initial selected.
	Initial LLMCaller
	Follow  LLMCaller

	// Rebuild replaces the conversation after a context-overflow on the
	// initial call (emergency compaction). Nil disables recovery there.
	Rebuild func(ctx context.Context) ([]providers.Message, int, error)

	// System is the instruction message prepended to every call.
	System string

	// Base carries model, max tokens, temperature, reasoning effort, and the
	// tool schema; the loop swaps Messages per call.
	Base providers.ChatRequest

	// sleep is replaced in tests.
	sleep func(time.Duration)
}

// LoopResult is everything the run reports from the loop.
type LoopResult struct {
	Text             string
	ToolCalls        []protocol.ToolCallRecord
	RetryAttempts    int
	BreakerTriggered bool
	BreakerReason    string
	Usage            providers.Usage
	ToolMs           int64
}

// Run executes the loop over the prepared conversation. contextMsgCount is
// the number of droppable history messages at the head of conversation;
// the final user message and every call/output pair are never dropped.
func (l *Loop) Run(ctx context.Context, conversation []providers.Message, contextMsgCount int) (*LoopResult, error) {
	if l.sleep == nil {
		l.sleep = time.Sleep
	}
	res := &LoopResult{}

	resp, err := l.Initial(ctx, l.request(conversation))
	if err != nil && router.Classify(err) == router.ClassOverflow && l.Rebuild != nil {
		conversation, contextMsgCount, err = l.Rebuild(ctx)
		if err != nil {
			return nil, fmt.Errorf("overflow recovery: %w", err)
		}
		resp, err = l.Initial(ctx, l.request(conversation))
	}
	if err != nil {
		return nil, err
	}
	l.accumulate(res, resp)
	text := resp.Content
	pending := resp.ToolCalls

	// Mandatory-tool nudge: up to two, then the deterministic fallback.
	if l.Classification.RequiresTools && !l.Classification.DisableTools && len(pending) == 0 {
		for attempt := 0; attempt < 2 && len(pending) == 0; attempt++ {
			conversation = append(conversation, providers.Message{
				Role:    "user",
				Content: NudgeMessage(l.Registry.List()),
			})
			resp, err = l.Follow(ctx, l.request(conversation))
			if err != nil {
				return nil, err
			}
			l.accumulate(res, resp)
			text = resp.Content
			pending = resp.ToolCalls
		}
		if len(pending) == 0 {
			if fbText, handled := l.runFallback(ctx, res); handled {
				res.Text = fbText
				return res, nil
			}
		}
	}

	sigCounts := make(map[string]int)
	prevRoundSig := ""
	repeatedRounds := 0
	nonRetryable := 0
	step := 0
	maxSteps := l.Tools.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = 24
	}

	lastRoundStart := len(conversation)
	for len(pending) > 0 && step < maxSteps {
		// Per-call signatures first: a single call repeated across rounds
		// reports as a call livelock, not a round livelock.
		tripped := false
		for _, tc := range pending {
			sig := callSignature(tc)
			sigCounts[sig]++
			if threshold := l.sigThreshold(); sigCounts[sig] >= threshold {
				l.trip(res, fmt.Sprintf("repeated_call_signature(%d): %s", sigCounts[sig], tc.Name))
				tripped = true
				break
			}
		}
		if tripped {
			break
		}

		roundSig := roundSignature(pending)
		if roundSig == prevRoundSig {
			repeatedRounds++
		} else {
			repeatedRounds = 1
		}
		prevRoundSig = roundSig
		if threshold := l.roundThreshold(); repeatedRounds >= threshold {
			l.trip(res, fmt.Sprintf("repeated_round_signature(%d)", repeatedRounds))
			break
		}

		// Record the model turn, then execute and append every result.
		conversation = append(conversation, providers.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: pending,
		})
		for _, tc := range pending {
			output := l.executeCall(ctx, tc, res)
			if rec := res.ToolCalls[len(res.ToolCalls)-1]; !rec.OK && fatalToolErrRe.MatchString(rec.Error) {
				nonRetryable++
			}
			conversation = append(conversation, providers.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    output,
			})
			step++
		}
		if nonRetryable >= l.failureThreshold() {
			l.trip(res, fmt.Sprintf("non_retryable_failures(%d)", nonRetryable))
			break
		}

		l.softTrim(conversation, lastRoundStart)
		before := len(conversation)
		conversation, contextMsgCount = l.guardInput(conversation, contextMsgCount)
		// First message of the round just executed, after head drops. The
		// overflow hard-clear stops here; the current round's outputs stay.
		roundStart := lastRoundStart - (before - len(conversation))
		if roundStart < 0 {
			roundStart = 0
		}

		resp, err = l.Follow(ctx, l.request(conversation))
		if err != nil && router.Classify(err) == router.ClassOverflow {
			hardClearToolOutputs(conversation, roundStart)
			conversation, contextMsgCount = dropAllContext(conversation, contextMsgCount)
			resp, err = l.Follow(ctx, l.request(conversation))
		}
		if err != nil {
			return nil, err
		}
		lastRoundStart = len(conversation)
		l.accumulate(res, resp)
		text = resp.Content
		pending = resp.ToolCalls
	}

	if len(pending) > 0 && !res.BreakerTriggered {
		l.trip(res, fmt.Sprintf("max_tool_steps(%d)", maxSteps))
	}

	// Forced synthesis: one text-only call to turn executed tool outputs
	// into an answer when the model stalled.
	executed := len(res.ToolCalls) > 0
	if l.Tools.ForceSynthesis() && executed && (res.BreakerTriggered || len(pending) > 0 || strings.TrimSpace(text) == "") {
		conversation = append(conversation, providers.Message{
			Role:    "user",
			Content: "Using only the tool results above, write the final answer now. Do not call any more tools.",
		})
		req := l.request(conversation)
		req.Tools = nil
		if resp, serr := l.Follow(ctx, req); serr == nil && strings.TrimSpace(resp.Content) != "" {
			l.accumulate(res, resp)
			text = resp.Content
		} else if serr != nil {
			slog.Warn("forced synthesis failed", "error", serr)
		}
	}

	if strings.TrimSpace(text) == "" {
		text = cannedFallback(res)
	}
	res.Text = text
	return res, nil
}

func (l *Loop) request(conversation []providers.Message) providers.ChatRequest {
	req := l.Base
	req.Messages = make([]providers.Message, 0, len(conversation)+1)
	req.Messages = append(req.Messages, providers.Message{Role: "system", Content: l.System})
	req.Messages = append(req.Messages, conversation...)
	return req
}

func (l *Loop) accumulate(res *LoopResult, resp *providers.ChatResponse) {
	if resp.Usage != nil {
		res.Usage.PromptTokens += resp.Usage.PromptTokens
		res.Usage.CompletionTokens += resp.Usage.CompletionTokens
		res.Usage.TotalTokens += resp.Usage.TotalTokens
	}
}

func (l *Loop) trip(res *LoopResult, reason string) {
	res.BreakerTriggered = true
	res.BreakerReason = reason
	slog.Warn("tool loop breaker", "reason", reason)
}

func (l *Loop) roundThreshold() int {
	if l.Tools.RepeatedRoundThreshold > 0 {
		return l.Tools.RepeatedRoundThreshold
	}
	return 3
}

func (l *Loop) sigThreshold() int {
	if l.Tools.RepeatedSignatureThreshold > 0 {
		return l.Tools.RepeatedSignatureThreshold
	}
	return 3
}

func (l *Loop) failureThreshold() int {
	if l.Tools.NonRetryableFailureThreshold > 0 {
		return l.Tools.NonRetryableFailureThreshold
	}
	return 3
}

// executeCall runs one tool call through policy, normalization, and the
// idempotent retry path, recording the outcome. Returns the text fed back
// to the model.
func (l *Loop) executeCall(ctx context.Context, tc providers.ToolCall, res *LoopResult) string {
	start := time.Now()
	args, argsErr := normalizeArgs(tc)
	record := func(r *tools.Result) string {
		rec := protocol.ToolCallRecord{
			Name:            tc.Name,
			Args:            tools.RedactArgs(args),
			OK:              !r.IsError,
			DurationMs:      time.Since(start).Milliseconds(),
			OutputBytes:     len(r.ForLLM),
			OutputTruncated: r.Truncated,
		}
		if r.IsError {
			rec.Error = r.ForLLM
		}
		res.ToolCalls = append(res.ToolCalls, rec)
		res.ToolMs += rec.DurationMs
		if r.IsError {
			return "Error: " + r.ForLLM
		}
		return r.ForLLM
	}

	if argsErr != nil {
		return record(tools.ErrorResult(fmt.Sprintf("malformed arguments: %v", argsErr)))
	}
	if err := l.Policy.Check(tc.Name); err != nil {
		return record(tools.ErrorResult(err.Error()))
	}
	tool, ok := l.Registry.Get(tc.Name)
	if !ok {
		return record(tools.ErrorResult(fmt.Sprintf("unknown tool %q", tc.Name)))
	}

	result := tool.Execute(ctx, args)
	if result.IsError && l.Registry.IsIdempotent(tc.Name) && transientErrRe.MatchString(result.ForLLM) {
		attempts := l.Tools.IdempotentRetryAttempts
		backoffMs := l.Tools.IdempotentRetryBackoffMs
		if backoffMs <= 0 {
			backoffMs = 250
		}
		for attempt := 1; attempt <= attempts && result.IsError; attempt++ {
			res.RetryAttempts++
			delay := time.Duration(backoffMs*attempt) * time.Millisecond
			if delay > 2*time.Second {
				delay = 2 * time.Second
			}
			l.sleep(delay)
			result = tool.Execute(ctx, args)
		}
	}

	limit := l.Tools.OutputLimitBytes
	if limit <= 0 {
		limit = 256 * 1024
	}
	result.ForLLM, result.Truncated = tools.TruncateOutput(result.ForLLM, limit)
	return record(result)
}

// runFallback wires the deterministic fallback through the same execution
// path as model-issued calls.
func (l *Loop) runFallback(ctx context.Context, res *LoopResult) (string, bool) {
	exec := func(ctx context.Context, name string, args map[string]any) *tools.Result {
		raw, _ := json.Marshal(args)
		out := l.executeCall(ctx, providers.ToolCall{Name: name, Arguments: args, RawArgs: string(raw)}, res)
		rec := res.ToolCalls[len(res.ToolCalls)-1]
		if !rec.OK {
			return tools.ErrorResult(rec.Error)
		}
		return tools.NewResult(out)
	}
	return DeterministicFallback(ctx, l.Prompt, exec)
}

// softTrim shrinks tool outputs from rounds before roundStart that exceed
// the soft-trim budget, keeping head and tail.
func (l *Loop) softTrim(conversation []providers.Message, roundStart int) {
	maxChars := l.Pruning.SoftTrimMaxChars
	if maxChars <= 0 {
		maxChars = 6000
	}
	head := l.Pruning.SoftTrimHeadChars
	if head <= 0 {
		head = 1500
	}
	tail := l.Pruning.SoftTrimTailChars
	if tail <= 0 {
		tail = 1500
	}

	for i := 0; i < roundStart && i < len(conversation); i++ {
		m := &conversation[i]
		if m.ToolCallID == "" || len(m.Content) <= maxChars || head+tail >= len(m.Content) {
			continue
		}
		m.Content = m.Content[:head] + "\n...\n" + m.Content[len(m.Content)-tail:]
	}
}

// guardInput drops leading plain context messages until the conversation
// fits inputGuardRatio of the window. Call/output pairs are never touched.
func (l *Loop) guardInput(conversation []providers.Message, contextMsgCount int) ([]providers.Message, int) {
	limit := int(float64(l.Budget.ContextLength) * inputGuardRatio)
	for contextMsgCount > 0 && l.Budget.Estimator.Messages(l.request(conversation).Messages) > limit {
		if conversation[0].ToolCallID != "" || len(conversation[0].ToolCalls) > 0 {
			break
		}
		conversation = conversation[1:]
		contextMsgCount--
	}
	return conversation, contextMsgCount
}

// hardClearToolOutputs replaces every tool output from rounds before
// roundStart with the cleared-output sentinel.
func hardClearToolOutputs(conversation []providers.Message, roundStart int) {
	for i := 0; i < roundStart && i < len(conversation); i++ {
		if conversation[i].ToolCallID != "" {
			conversation[i].Content = clearedToolOutput
		}
	}
}

func dropAllContext(conversation []providers.Message, contextMsgCount int) ([]providers.Message, int) {
	for contextMsgCount > 0 {
		if conversation[0].ToolCallID != "" || len(conversation[0].ToolCalls) > 0 {
			break
		}
		conversation = conversation[1:]
		contextMsgCount--
	}
	return conversation, contextMsgCount
}

// normalizeArgs resolves the argument map, parsing RawArgs when the wire
// delivered arguments as a JSON string.
func normalizeArgs(tc providers.ToolCall) (map[string]any, error) {
	if tc.Arguments != nil {
		return tc.Arguments, nil
	}
	raw := strings.TrimSpace(tc.RawArgs)
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}
	// Double-encoded: a JSON string containing the object.
	var inner string
	if err := json.Unmarshal([]byte(raw), &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), &args); err == nil {
			return args, nil
		}
	}
	return nil, fmt.Errorf("arguments are not a JSON object")
}

// callSignature canonicalizes one call for livelock detection. Marshaling
// the argument map sorts keys, so equivalent calls share a signature.
func callSignature(tc providers.ToolCall) string {
	args := tc.Arguments
	if args == nil {
		if parsed, err := normalizeArgs(tc); err == nil {
			args = parsed
		}
	}
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte(tc.RawArgs)
	}
	return tc.Name + "(" + string(canonical) + ")"
}

// roundSignature is the order-independent multiset of call signatures.
func roundSignature(calls []providers.ToolCall) string {
	sigs := make([]string, 0, len(calls))
	for _, tc := range calls {
		sigs = append(sigs, callSignature(tc))
	}
	sort.Strings(sigs)
	return strings.Join(sigs, "|")
}

// cannedFallback names the failure and summarizes what the tools produced.
func cannedFallback(res *LoopResult) string {
	var b strings.Builder
	if res.BreakerReason != "" {
		b.WriteString("I stopped tool execution early (" + res.BreakerReason + ").")
	} else {
		b.WriteString("I could not produce a final answer from the model.")
	}
	if len(res.ToolCalls) > 0 {
		b.WriteString(" Tool results so far:")
		for _, tc := range res.ToolCalls {
			if tc.OK {
				fmt.Fprintf(&b, "\n- %s: ok (%d bytes)", tc.Name, tc.OutputBytes)
			} else {
				fmt.Fprintf(&b, "\n- %s: %s", tc.Name, tc.Error)
			}
		}
	}
	return b.String()
}

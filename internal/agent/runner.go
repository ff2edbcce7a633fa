package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/router"
	"github.com/dotsetlabs/dotclaw/internal/sessions"
	"github.com/dotsetlabs/dotclaw/internal/spool"
	"github.com/dotsetlabs/dotclaw/internal/tools"
	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

// Runner is the worker body: it turns one request into one response,
// driving sessions, compaction, the prompt builder, the router, and the
// tool loop.
type Runner struct {
	Cfg      *config.Config
	Provider providers.Provider
	Sessions *sessions.Store
	Registry *tools.Registry
	Router   *router.Router

	tracer trace.Tracer
}

func NewRunner(cfg *config.Config, provider providers.Provider, store *sessions.Store, registry *tools.Registry) *Runner {
	return &Runner{
		Cfg:      cfg,
		Provider: provider,
		Sessions: store,
		Registry: registry,
		Router:   &router.Router{Cooldowns: router.NewCooldowns()},
		tracer:   otel.Tracer("dotclaw/agent"),
	}
}

// Run processes one request end to end. It always returns a response; run
// failures become status "error" envelopes, never panics or nils.
func (r *Runner) Run(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("request.id", req.ID)))
	defer span.End()

	stream, err := spool.NewStreamWriter(req.StreamDir)
	if err != nil {
		slog.Warn("stream dir unavailable", "dir", req.StreamDir, "error", err)
	}

	resp := r.run(ctx, req, stream, start)
	resp.LatencyMs = time.Since(start).Milliseconds()

	if resp.Status == protocol.StatusError {
		stream.Error(resp.Error)
	} else {
		stream.Done()
	}
	return resp
}

func (r *Runner) run(ctx context.Context, req *protocol.Request, stream *spool.StreamWriter, start time.Time) *protocol.Response {
	sess, isNew, err := r.Sessions.Acquire(req.SessionID)
	if err != nil {
		return protocol.ErrorResponse(err.Error())
	}
	defer sess.Release()

	budget := ResolveBudget(r.Cfg, req)

	history, err := sess.LoadHistory()
	if err != nil {
		return protocol.ErrorResponse(err.Error())
	}
	if n := r.Cfg.Context.MaxHistoryTurns; n > 0 {
		history = sessions.LimitHistoryTurns(history, n)
	}

	if !req.DisableCompaction {
		estimate := WithMargin(historyTokens(history, budget.Estimator))
		if sessions.ShouldCompact(estimate, budget.CompactionTriggerTokens) {
			compacted, cerr := CompactSession(ctx, sess, history, budget, r.Summarizer(), r.Cfg.Memory.ArchiveSync)
			if cerr != nil {
				slog.Warn("compaction failed", "session", sess.ID, "error", cerr)
			} else {
				history = compacted
			}
		}
	}

	classification := ClassifyPrompt(req.Prompt)
	if req.DisableTools {
		classification.DisableTools = true
	}
	toolsEnabled := !classification.DisableTools && len(r.Registry.List()) > 0

	packs, perr := LoadPromptPacks(r.Cfg.PromptPacks, nil)
	if perr != nil {
		slog.Warn("prompt packs unavailable", "error", perr)
	}

	maxSteps := req.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = r.Cfg.Tools.MaxToolSteps
	}

	promptInput := r.promptInput(req, sess, packs, history, toolsEnabled, maxSteps)
	systemPrompt, trimLevel := BuildFittedPrompt(promptInput, budget)
	slog.Debug("system prompt built", "trim_level", trimLevel, "tokens", budget.Estimator.Text(systemPrompt))

	if _, err := sess.AppendHistory("user", req.Prompt); err != nil {
		return protocol.ErrorResponse(err.Error())
	}

	contextMsgs := budget.BuildContextMessages(history, budget.Estimator.Text(systemPrompt))
	userMsg := providers.Message{
		Role:    "user",
		Content: req.Prompt,
		Images:  ImageParts(req.Attachments),
	}
	conversation := append(contextMsgs, userMsg)

	primary := req.ModelOverride
	if primary == "" {
		primary = r.Provider.DefaultModel()
	}
	chain := router.BuildChain(primary, req.ModelFallbacks)

	base := providers.ChatRequest{
		MaxTokens:       EffectiveOutputCap(req.ModelMaxOutput, classification.OutputCap),
		Temperature:     req.ModelTemperature,
		ReasoningEffort: r.effort(req),
	}
	if base.Temperature == nil {
		base.Temperature = r.Cfg.Output.Temperature
	}
	if toolsEnabled {
		base.Tools = r.Registry.ProviderDefs()
	}

	var selectedModel string
	initial := func(ctx context.Context, creq providers.ChatRequest) (*providers.ChatResponse, error) {
		resp, model, err := r.Router.Call(ctx, chain, func(ctx context.Context, model string) (*providers.ChatResponse, error) {
			creq.Model = model
			return r.chat(ctx, creq, stream)
		}, nil)
		if model != "" {
			selectedModel = model
		}
		return resp, err
	}
	follow := func(ctx context.Context, creq providers.ChatRequest) (*providers.ChatResponse, error) {
		creq.Model = selectedModel
		return r.chat(ctx, creq, stream)
	}

	toolCfg := r.Cfg.Tools
	toolCfg.MaxToolSteps = maxSteps
	loop := &Loop{
		Tools:          toolCfg,
		Pruning:        r.Cfg.Context.Pruning,
		Registry:       r.Registry,
		Policy:         tools.NewRunPolicy(r.Cfg.Tools.Policy, req.ToolPolicy),
		Budget:         budget,
		Classification: classification,
		Prompt:         req.Prompt,
		Initial:        initial,
		Follow:         follow,
		System:         systemPrompt,
		Base:           base,
		Rebuild: func(ctx context.Context) ([]providers.Message, int, error) {
			kept, err := r.emergencyCompact(ctx, sess)
			if err != nil {
				return nil, 0, err
			}
			// History already holds this run's prompt; userMsg is re-appended
			// below, so the kept tail must not carry it too.
			if n := len(kept); n > 0 && kept[n-1].Role == "user" && kept[n-1].Content == req.Prompt {
				kept = kept[:n-1]
			}
			promptInput.State = sess.State()
			promptInput.HistoryCount = len(kept)
			systemPrompt = BuildSystemPrompt(promptInput, MaxTrimLevel)
			rebuilt := budget.BuildContextMessages(kept, budget.Estimator.Text(systemPrompt))
			return append(rebuilt, userMsg), len(rebuilt), nil
		},
	}

	lres, err := loop.Run(ctx, conversation, len(contextMsgs))
	if err != nil {
		if ctx.Err() != nil {
			return protocol.ErrorResponse("run cancelled")
		}
		return protocol.ErrorResponse(fmt.Sprintf("model call failed (%s): %v", router.Classify(err), err))
	}

	cleaned, replyTo := ParseReplyTags(lres.Text)
	if _, err := sess.AppendHistory("assistant", cleaned); err != nil {
		return protocol.ErrorResponse(err.Error())
	}

	state := sess.State()
	resp := protocol.SuccessResponse(cleaned)
	if isNew {
		resp.NewSessionID = sess.ID
	}
	resp.Model = selectedModel
	resp.MemorySummary = state.Summary
	resp.MemoryFacts = state.Facts
	resp.TokensPrompt = lres.Usage.PromptTokens
	resp.TokensCompletion = lres.Usage.CompletionTokens
	resp.ToolCalls = lres.ToolCalls
	resp.ToolRetryAttempts = lres.RetryAttempts
	resp.ToolLoopBreakerTriggered = lres.BreakerTriggered
	resp.ToolLoopBreakerReason = lres.BreakerReason
	resp.ReplyToID = replyTo
	resp.Timings = &protocol.Timings{
		PlannerMs: time.Since(start).Milliseconds() - lres.ToolMs,
		ToolMs:    lres.ToolMs,
	}
	resp.PromptPackVersions = PackVersions(packs)
	return resp
}

func (r *Runner) promptInput(req *protocol.Request, sess *sessions.Session, packs []PromptPack, history []sessions.Message, toolsEnabled bool, maxSteps int) SystemPromptInput {
	in := SystemPromptInput{
		HostPlatform:    req.HostPlatform,
		IsScheduledTask: req.IsScheduledTask,
		Timezone:        req.Timezone,
		SkillCatalog:    req.SkillCatalog,
		Packs:           packs,
		AvailableGroups: req.AvailableGroups,
		State:           sess.State(),
		UserProfile:     req.UserProfile,
		MemoryRecall:    req.MemoryRecall,
		HistoryCount:    len(history),
	}
	if in.HostPlatform == "" {
		in.HostPlatform = r.Cfg.HostPlatform()
	}
	if toolsEnabled {
		in.ToolNames = r.Registry.List()
		in.MaxToolSteps = maxSteps
		in.ToolReliability = r.Registry.ReliabilityNotes()
	}
	if req.Behavior != nil {
		in.GroupNotes = req.Behavior.GroupNotes
		in.GlobalNotes = req.Behavior.GlobalNotes
		in.BehaviorOverrides = req.Behavior.Overrides
	}
	return in
}

func (r *Runner) effort(req *protocol.Request) string {
	if req.ReasoningEffort != "" {
		return req.ReasoningEffort
	}
	return r.Cfg.Reasoning.Effort
}

// chat performs one provider call, streaming deltas when a stream directory
// is configured.
func (r *Runner) chat(ctx context.Context, req providers.ChatRequest, stream *spool.StreamWriter) (*providers.ChatResponse, error) {
	ctx, span := r.tracer.Start(ctx, "agent.llm",
		trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()

	if stream != nil {
		return r.Provider.ChatStream(ctx, req, func(c providers.StreamChunk) {
			stream.WriteChunk(c.Content)
		})
	}
	return r.Provider.Chat(ctx, req)
}

// Summarizer returns the minimal-mode summary call used by compaction,
// emergency compaction, and memory extraction.
func (r *Runner) Summarizer() Summarizer {
	return func(ctx context.Context, prompt string) (string, error) {
		model := r.Cfg.OpenRouter.SummaryModel
		if model == "" {
			model = r.Provider.DefaultModel()
		}
		resp, err := r.Provider.Chat(ctx, providers.ChatRequest{
			Messages: []providers.Message{
				{Role: "system", Content: BuildMinimalPrompt(false)},
				{Role: "user", Content: prompt},
			},
			Model:     model,
			MaxTokens: r.Cfg.Output.SummaryMaxOutputTokens,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// emergencyCompactKeep is the recent tail preserved verbatim when a
// context-overflow forces compaction mid-run.
const emergencyCompactKeep = 4

// emergencyCompact aggressively summarizes everything but the newest
// messages so the retry fits the window.
func (r *Runner) emergencyCompact(ctx context.Context, sess *sessions.Session) ([]sessions.Message, error) {
	history, err := sess.LoadHistory()
	if err != nil {
		return nil, err
	}
	if len(history) <= emergencyCompactKeep {
		return history, nil
	}
	older := history[:len(history)-emergencyCompactKeep]
	kept := history[len(history)-emergencyCompactKeep:]

	if _, err := sess.Archive(history); err != nil {
		return nil, err
	}

	state := sess.State()
	text, err := r.Summarizer()(ctx, buildSummaryPrompt(state.Summary, nil, older))
	if err != nil {
		return nil, err
	}
	payload, err := parseSummaryPayload(text)
	if err != nil {
		return nil, err
	}
	if err := sess.SaveState(sessions.State{
		Summary:        payload.Summary,
		Facts:          sessions.MergeFacts(state.Facts, payload.Facts),
		LastSummarySeq: older[len(older)-1].Seq,
	}); err != nil {
		return nil, err
	}
	if err := sess.WriteHistory(kept); err != nil {
		return nil, err
	}
	return kept, nil
}

// MaybeExtractMemory launches the post-publication memory extraction turn.
// It runs in its own goroutine and serializes on the session lock; the
// caller does not wait for it.
func (r *Runner) MaybeExtractMemory(req *protocol.Request, sessionID string) {
	if sessionID == "" || req.DisableMemory || !r.Cfg.Memory.Extraction.ExtractionEnabled() {
		return
	}
	if req.IsScheduledTask && !r.Cfg.Memory.ExtractScheduled {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		sess, _, err := r.Sessions.Acquire(sessionID)
		if err != nil {
			slog.Warn("memory extraction: acquire session", "session", sessionID, "error", err)
			return
		}
		defer sess.Release()

		ExtractMemory(ctx, r.Cfg.IPCDir, sess, r.Cfg.Memory.Extraction, r.Summarizer())
	}()
}

func historyTokens(history []sessions.Message, est Estimator) int {
	total := est.TokensPerRequest
	for _, m := range history {
		total += est.Text(m.Content) + est.TokensPerMessage
	}
	return total
}

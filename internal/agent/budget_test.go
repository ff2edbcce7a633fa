package agent

import (
	"strings"
	"testing"

	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/sessions"
	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

func testConfig() *config.Config {
	return config.Default()
}

func TestResolveBudgetDerivations(t *testing.T) {
	cfg := testConfig()
	cfg.Context.CompactionTriggerTokens = 0
	cfg.Context.RecentContextTokens = 0
	cfg.Context.MaxContextMessageTokens = 0
	cfg.Output.MaxOutputTokens = 0

	req := &protocol.Request{
		Prompt:            "x",
		ModelCapabilities: protocol.ModelCapabilities{ContextLength: 100000},
	}
	b := ResolveBudget(cfg, req)

	if b.ContextLength != 100000 {
		t.Errorf("context = %d", b.ContextLength)
	}
	if b.OutputReserve != 25000 {
		t.Errorf("output reserve = %d, want ctx/4", b.OutputReserve)
	}
	if b.CompactionTriggerTokens != 75000 {
		t.Errorf("trigger = %d", b.CompactionTriggerTokens)
	}
	if b.MaxContextMessageTokens != 3000 {
		t.Errorf("per-message = %d, want 3%% of ctx", b.MaxContextMessageTokens)
	}
	// 12% of 100k exceeds the 6000 cap.
	if b.SystemPromptBudget != 6000 {
		t.Errorf("prompt budget = %d", b.SystemPromptBudget)
	}
	if b.RecentContextTokens != 24000 {
		t.Errorf("recent = %d, want min(24000, 35%%)", b.RecentContextTokens)
	}
}

func TestResolveBudgetScheduledShare(t *testing.T) {
	cfg := testConfig()
	req := &protocol.Request{
		Prompt:            "x",
		IsScheduledTask:   true,
		ModelCapabilities: protocol.ModelCapabilities{ContextLength: 40000},
	}
	b := ResolveBudget(cfg, req)
	if b.SystemPromptBudget != 4000 {
		t.Errorf("prompt budget = %d, want 10%% of 40k", b.SystemPromptBudget)
	}
}

func TestResolveBudgetFloors(t *testing.T) {
	cfg := testConfig()
	req := &protocol.Request{
		Prompt:            "x",
		ModelCapabilities: protocol.ModelCapabilities{ContextLength: 8000},
	}
	b := ResolveBudget(cfg, req)
	if b.SystemPromptBudget != 1200 {
		t.Errorf("prompt budget = %d, want 1200 floor", b.SystemPromptBudget)
	}
	if b.MaxContextMessageTokens != 1000 {
		t.Errorf("per-message = %d, want 1000 floor", b.MaxContextMessageTokens)
	}
}

func TestEstimatorOverrides(t *testing.T) {
	e := NewEstimator(config.TokenEstimate{TokensPerChar: 0.28, TokensPerMessage: 4},
		&protocol.TokenEstimate{TokensPerChar: 0.5})
	if e.TokensPerChar != 0.5 {
		t.Errorf("tokens per char = %v", e.TokensPerChar)
	}
	if e.TokensPerMessage != 4 {
		t.Errorf("tokens per message = %v", e.TokensPerMessage)
	}
	if got := e.Text("abcd"); got != 2 {
		t.Errorf("Text = %d, want ceil(4*0.5)", got)
	}
}

func TestWithMargin(t *testing.T) {
	if got := WithMargin(100); got != 130 {
		t.Errorf("margin = %d", got)
	}
}

func TestClampMessage(t *testing.T) {
	b := Budget{
		MaxContextMessageTokens: 10,
		Estimator:               Estimator{TokensPerChar: 1},
	}
	out := b.clampMessage(strings.Repeat("a", 50))
	if !strings.HasSuffix(out, "[Context truncated for length]") {
		t.Errorf("missing suffix: %q", out)
	}
	if short := b.clampMessage("tiny"); short != "tiny" {
		t.Errorf("short message modified: %q", short)
	}
}

func TestBuildContextMessagesDropsOldest(t *testing.T) {
	b := Budget{
		ContextLength:       2000,
		OutputReserve:       200,
		RecentContextTokens: 100000,
		MaxContextMessageTokens: 100000,
		Estimator:           Estimator{TokensPerChar: 1, TokensPerMessage: 1},
	}

	var history []sessions.Message
	for i := 0; i < 20; i++ {
		history = append(history, sessions.Message{
			Seq: int64(i + 1), Role: "user", Content: strings.Repeat("x", 200),
		})
	}

	msgs := b.BuildContextMessages(history, 100)
	if len(msgs) == 0 {
		t.Fatal("no messages survived")
	}
	estimate := WithMargin(100 + b.Estimator.Messages(msgs))
	if len(msgs) > 2 && estimate > int(float64(b.ContextLength)*0.75) {
		t.Errorf("guard not applied: estimate %d over 75%% of %d with %d messages",
			estimate, b.ContextLength, len(msgs))
	}
	// Newest message is always last.
	if msgs[len(msgs)-1].Content != history[len(history)-1].Content {
		t.Error("newest message lost")
	}
}

func TestBuildContextMessagesKeepsTwoMinimum(t *testing.T) {
	b := Budget{
		ContextLength:           100,
		OutputReserve:           10,
		RecentContextTokens:     100000,
		MaxContextMessageTokens: 100000,
		Estimator:               Estimator{TokensPerChar: 1, TokensPerMessage: 1},
	}
	history := []sessions.Message{
		{Seq: 1, Role: "user", Content: strings.Repeat("a", 500)},
		{Seq: 2, Role: "assistant", Content: strings.Repeat("b", 500)},
		{Seq: 3, Role: "user", Content: strings.Repeat("c", 500)},
	}
	msgs := b.BuildContextMessages(history, 10)
	if len(msgs) < 1 {
		t.Errorf("everything dropped: %d", len(msgs))
	}
}

func TestRecentWindowSoftMinimum(t *testing.T) {
	b := Budget{
		RecentContextTokens: 10,
		Estimator:           Estimator{TokensPerChar: 1, TokensPerMessage: 1},
	}
	var history []sessions.Message
	for i := 0; i < 10; i++ {
		history = append(history, sessions.Message{Seq: int64(i + 1), Content: strings.Repeat("z", 100)})
	}

	older, recent := b.RecentWindow(history)
	if len(recent) < 6 {
		t.Errorf("recent = %d, want soft minimum 6", len(recent))
	}
	if len(older)+len(recent) != len(history) {
		t.Error("window split lost messages")
	}
	if len(older) > 0 && older[len(older)-1].Seq >= recent[0].Seq {
		t.Error("window split out of order")
	}
}

func TestBuildFittedPromptEscalatesTrim(t *testing.T) {
	in := SystemPromptInput{
		Packs: []PromptPack{{Name: "big", Content: strings.Repeat("p", 5000), Version: "deadbeef"}},
		State: sessions.State{Summary: strings.Repeat("s", 2000)},
	}
	budget := Budget{
		SystemPromptBudget: 300,
		Estimator:          Estimator{TokensPerChar: 1},
	}
	_, level := BuildFittedPrompt(in, budget)
	if level == TrimFull {
		t.Error("oversized prompt should trim")
	}

	budget.SystemPromptBudget = 1 << 20
	_, level = BuildFittedPrompt(in, budget)
	if level != TrimFull {
		t.Errorf("roomy budget should not trim, got level %d", level)
	}
}

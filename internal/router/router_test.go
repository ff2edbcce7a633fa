package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/providers"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassFatal},
		{"http 429", &providers.HTTPError{Status: 429, Body: "slow down"}, ClassRateLimit},
		{"http 503", &providers.HTTPError{Status: 503, Body: "upstream sad"}, ClassServerError},
		{"http 400 overflow", &providers.HTTPError{Status: 400, Body: "This model's maximum context length is 128000 tokens"}, ClassOverflow},
		{"http 400 other", &providers.HTTPError{Status: 400, Body: "bad request"}, ClassFatal},
		{"message overflow", errors.New("context length exceeded"), ClassOverflow},
		{"message too many tokens", errors.New("too many tokens in request"), ClassOverflow},
		{"message rate limit", errors.New("rate-limited, try later"), ClassRateLimit},
		{"message timeout", errors.New("request timed out"), ClassServerError},
		{"message no endpoints", errors.New("no endpoints found for model"), ClassServerError},
		{"wrapped http", fmt.Errorf("call: %w", &providers.HTTPError{Status: 500, Body: "boom"}), ClassServerError},
		{"plain", errors.New("invalid api key"), ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildChain(t *testing.T) {
	chain := BuildChain("a", []string{"b", "a", "", "c", "d"})
	if len(chain) != 3 || chain[0] != "a" || chain[1] != "b" || chain[2] != "c" {
		t.Errorf("chain = %v", chain)
	}
	if chain := BuildChain("only", nil); len(chain) != 1 {
		t.Errorf("chain = %v", chain)
	}
}

func testCooldowns(now *time.Time) *Cooldowns {
	c := NewCooldowns()
	c.now = func() time.Time { return *now }
	return c
}

func TestCooldownExpiry(t *testing.T) {
	now := time.Now()
	c := testCooldowns(&now)

	c.Set("m", ClassRateLimit)
	if !c.Active("m") {
		t.Fatal("cooldown not active")
	}
	now = now.Add(61 * time.Second)
	if c.Active("m") {
		t.Error("rate-limit cooldown should expire after 60s")
	}

	c.Set("m", ClassServerError)
	now = now.Add(61 * time.Second)
	if !c.Active("m") {
		t.Error("server-error cooldown should outlast 60s")
	}
	now = now.Add(300 * time.Second)
	if c.Active("m") {
		t.Error("server-error cooldown should expire after 300s")
	}

	c.Set("m", ClassFatal)
	if c.Active("m") {
		t.Error("fatal class must not set a cooldown")
	}
}

func TestRouterAdvancesOnRetryable(t *testing.T) {
	now := time.Now()
	r := &Router{Cooldowns: testCooldowns(&now)}

	var tried []string
	do := func(_ context.Context, model string) (*providers.ChatResponse, error) {
		tried = append(tried, model)
		if model == "a" {
			return nil, &providers.HTTPError{Status: 429, Body: "rate limit"}
		}
		return &providers.ChatResponse{Content: "ok"}, nil
	}

	resp, model, err := r.Call(context.Background(), []string{"a", "b"}, do, nil)
	if err != nil {
		t.Fatal(err)
	}
	if model != "b" || resp.Content != "ok" {
		t.Errorf("model = %q, resp = %+v", model, resp)
	}
	if len(tried) != 2 {
		t.Errorf("tried = %v", tried)
	}
	if !r.Cooldowns.Active("a") {
		t.Error("failed model should be cooling down")
	}
}

func TestRouterSkipsCooledUnlessLast(t *testing.T) {
	now := time.Now()
	r := &Router{Cooldowns: testCooldowns(&now)}
	r.Cooldowns.Set("a", ClassRateLimit)
	r.Cooldowns.Set("b", ClassRateLimit)

	var tried []string
	do := func(_ context.Context, model string) (*providers.ChatResponse, error) {
		tried = append(tried, model)
		return &providers.ChatResponse{Content: "ok"}, nil
	}

	// Both cooling: the last candidate is still attempted.
	_, model, err := r.Call(context.Background(), []string{"a", "b"}, do, nil)
	if err != nil {
		t.Fatal(err)
	}
	if model != "b" || len(tried) != 1 {
		t.Errorf("model = %q, tried = %v", model, tried)
	}
	// Success clears the cooldown entry.
	if r.Cooldowns.Active("b") {
		t.Error("cooldown not cleared after success")
	}
}

func TestRouterFatalPropagates(t *testing.T) {
	r := &Router{Cooldowns: NewCooldowns()}
	fatal := errors.New("invalid api key")

	var tried []string
	do := func(_ context.Context, model string) (*providers.ChatResponse, error) {
		tried = append(tried, model)
		return nil, fatal
	}
	_, model, err := r.Call(context.Background(), []string{"a", "b"}, do, nil)
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v", err)
	}
	if model != "a" || len(tried) != 1 {
		t.Errorf("fatal should not advance: model %q, tried %v", model, tried)
	}
}

func TestRouterOverflowRetriesSameModel(t *testing.T) {
	r := &Router{Cooldowns: NewCooldowns()}
	overflow := &providers.HTTPError{Status: 400, Body: "maximum context length exceeded"}

	var tried []string
	shrunk := false
	do := func(_ context.Context, model string) (*providers.ChatResponse, error) {
		tried = append(tried, model)
		if !shrunk {
			return nil, overflow
		}
		return &providers.ChatResponse{Content: "fits now"}, nil
	}
	onOverflow := func(context.Context) error {
		shrunk = true
		return nil
	}

	resp, model, err := r.Call(context.Background(), []string{"a", "b"}, do, onOverflow)
	if err != nil {
		t.Fatal(err)
	}
	if model != "a" || resp.Content != "fits now" {
		t.Errorf("model = %q, resp = %+v", model, resp)
	}
	if len(tried) != 2 || tried[0] != "a" || tried[1] != "a" {
		t.Errorf("overflow must retry the same model once: %v", tried)
	}
}

func TestRouterOverflowWithoutHandlerPropagates(t *testing.T) {
	r := &Router{Cooldowns: NewCooldowns()}
	overflow := &providers.HTTPError{Status: 400, Body: "context length exceeded"}

	do := func(_ context.Context, model string) (*providers.ChatResponse, error) {
		return nil, overflow
	}
	_, _, err := r.Call(context.Background(), []string{"a", "b"}, do, nil)
	if !errors.Is(err, error(overflow)) {
		t.Fatalf("err = %v", err)
	}
}

func TestRouterSecondOverflowPropagates(t *testing.T) {
	r := &Router{Cooldowns: NewCooldowns()}
	overflow := &providers.HTTPError{Status: 400, Body: "maximum context length exceeded"}

	calls := 0
	do := func(_ context.Context, model string) (*providers.ChatResponse, error) {
		calls++
		return nil, overflow
	}
	_, _, err := r.Call(context.Background(), []string{"a"}, do, func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, overflow recovery is single-shot", calls)
	}
}

func TestRouterAllFailed(t *testing.T) {
	r := &Router{Cooldowns: NewCooldowns()}
	do := func(_ context.Context, model string) (*providers.ChatResponse, error) {
		return nil, &providers.HTTPError{Status: 503, Body: "down"}
	}
	_, _, err := r.Call(context.Background(), []string{"a", "b"}, do, nil)
	if err == nil || !errors.As(err, new(*providers.HTTPError)) {
		t.Fatalf("err = %v", err)
	}

	if _, _, err := r.Call(context.Background(), nil, do, nil); err == nil {
		t.Error("empty chain should error")
	}
}

// Package router selects the model for each LLM call from a primary plus
// fallback chain, tracking per-model cooldowns across the process and
// recovering from context-overflow without advancing the chain.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/providers"
)

// MaxChain bounds the model chain: primary plus at most two fallbacks.
const MaxChain = 3

// ErrorClass buckets an LLM failure for routing decisions.
type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassOverflow
	ClassRateLimit
	ClassServerError
)

// Cooldown durations per class.
const (
	rateLimitCooldown   = 60 * time.Second
	serverErrorCooldown = 300 * time.Second
)

var (
	overflowRe  = regexp.MustCompile(`(?i)maximum context length|context length exceeded|too many tokens`)
	rateLimitRe = regexp.MustCompile(`(?i)\b429\b|rate.?limit`)
	serverRe    = regexp.MustCompile(`(?i)\b5\d\d\b|server error|bad gateway|unavailable|timeout|timed out|deadline|model not available|no endpoints|provider error`)
)

// Classify buckets an error by its HTTP status when present, otherwise by
// message text.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}

	var httpErr *providers.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 429:
			return ClassRateLimit
		case httpErr.Status >= 500:
			return ClassServerError
		case overflowRe.MatchString(httpErr.Body):
			return ClassOverflow
		}
	}

	msg := err.Error()
	switch {
	case overflowRe.MatchString(msg):
		return ClassOverflow
	case rateLimitRe.MatchString(msg):
		return ClassRateLimit
	case serverRe.MatchString(msg):
		return ClassServerError
	default:
		return ClassFatal
	}
}

func (c ErrorClass) String() string {
	switch c {
	case ClassOverflow:
		return "context_overflow"
	case ClassRateLimit:
		return "rate_limit"
	case ClassServerError:
		return "server_error"
	default:
		return "fatal"
	}
}

// Cooldowns is the process-wide model cooldown table. An entry is inserted
// on a classified failure and removed on expiry or on the first successful
// use after expiry.
type Cooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewCooldowns() *Cooldowns {
	return &Cooldowns{until: make(map[string]time.Time), now: time.Now}
}

// Active reports whether the model is currently cooling down; expired
// entries are removed.
func (c *Cooldowns) Active(model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[model]
	if !ok {
		return false
	}
	if c.now().After(until) {
		delete(c.until, model)
		return false
	}
	return true
}

// Set starts a cooldown for the class; fatal and overflow classes never
// cool a model down.
func (c *Cooldowns) Set(model string, class ErrorClass) {
	var d time.Duration
	switch class {
	case ClassRateLimit:
		d = rateLimitCooldown
	case ClassServerError:
		d = serverErrorCooldown
	default:
		return
	}
	c.mu.Lock()
	c.until[model] = c.now().Add(d)
	c.mu.Unlock()
}

// Clear removes a model's entry after a successful call.
func (c *Cooldowns) Clear(model string) {
	c.mu.Lock()
	delete(c.until, model)
	c.mu.Unlock()
}

// BuildChain assembles [primary, fallbacks...] truncated to MaxChain, with
// duplicates removed.
func BuildChain(primary string, fallbacks []string) []string {
	chain := make([]string, 0, MaxChain)
	seen := make(map[string]bool)
	for _, m := range append([]string{primary}, fallbacks...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
		if len(chain) == MaxChain {
			break
		}
	}
	return chain
}

// Router walks the model chain for one call.
type Router struct {
	Cooldowns *Cooldowns
}

// CallFn performs the actual LLM call against one model.
type CallFn func(ctx context.Context, model string) (*providers.ChatResponse, error)

// OverflowFn shrinks the pending conversation after a context-overflow;
// the next CallFn invocation must observe the shrunken state.
type OverflowFn func(ctx context.Context) error

// Call tries each chain candidate in order. Models in cooldown are skipped
// unless they are the last candidate. Rate-limit and server errors cool the
// model down and advance the chain; a context-overflow invokes onOverflow
// and retries the same model once; fatal errors propagate immediately.
// Returns the response and the model that produced it.
func (r *Router) Call(ctx context.Context, chain []string, do CallFn, onOverflow OverflowFn) (*providers.ChatResponse, string, error) {
	if len(chain) == 0 {
		return nil, "", fmt.Errorf("router: empty model chain")
	}

	var lastErr error
	for i, model := range chain {
		if r.Cooldowns.Active(model) && i < len(chain)-1 {
			slog.Debug("skipping model in cooldown", "model", model)
			continue
		}

		resp, err := do(ctx, model)
		if err == nil {
			r.Cooldowns.Clear(model)
			return resp, model, nil
		}

		class := Classify(err)
		slog.Warn("model call failed", "model", model, "class", class.String(), "error", err)
		switch class {
		case ClassOverflow:
			if onOverflow == nil {
				return nil, model, err
			}
			if oerr := onOverflow(ctx); oerr != nil {
				return nil, model, fmt.Errorf("overflow recovery: %w", oerr)
			}
			resp, err = do(ctx, model)
			if err == nil {
				r.Cooldowns.Clear(model)
				return resp, model, nil
			}
			return nil, model, err
		case ClassRateLimit, ClassServerError:
			r.Cooldowns.Set(model, class)
			lastErr = err
		default:
			return nil, model, err
		}
	}
	return nil, "", fmt.Errorf("router: all models failed: %w", lastErr)
}

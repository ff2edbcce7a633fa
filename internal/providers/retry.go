package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPError is a non-2xx response from the LLM API. It is never retried at
// this layer; classification and cooldowns happen in the router.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryConfig bounds the network-retry strategy.
type RetryConfig struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsed      time.Duration
}

// DefaultRetryConfig returns the stock strategy: 500 ms initial, 5 s cap,
// factor 2, 20 s total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		MaxElapsed:      20 * time.Second,
	}
}

// RetryDo runs op with exponential backoff, retrying network errors only.
// HTTP status errors propagate immediately; the router owns those.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	if !cfg.Enabled {
		return op()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Multiplier = cfg.Multiplier
	bo.MaxElapsedTime = cfg.MaxElapsed

	var result T
	err := backoff.Retry(func() error {
		v, err := op()
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}, backoff.WithContext(bo, ctx))

	return result, err
}

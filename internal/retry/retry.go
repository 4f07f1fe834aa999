// Package retry runs an operation with exponential backoff and jitter,
// retrying only errors whose message matches a configured list.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
)

// Policy configures one retry run.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	// RetryableErrors are matched case-insensitively as substrings of the
	// error message.
	RetryableErrors []string
	// MaxElapsed bounds the whole run. Zero means no overall deadline.
	MaxElapsed time.Duration
}

// DefaultRetryableErrors covers transient transport and upstream failures.
var DefaultRetryableErrors = []string{
	"connection timeout",
	"rate limit exceeded",
	"service unavailable",
	"429",
	"503",
	"504",
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		Multiplier:      2.0,
		RetryableErrors: DefaultRetryableErrors,
	}
}

// Handler executes operations under a Policy.
type Handler struct {
	policy  Policy
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
	nowFunc func() time.Time
	onRetry func(attempt int, delay time.Duration, err error)
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSleep replaces the context-aware sleep between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) {
		h.sleep = sleep
	}
}

// WithJitterSource replaces the uniform [0,1) source used for jitter.
func WithJitterSource(fn func() float64) Option {
	return func(h *Handler) {
		h.jitter = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.nowFunc = now
	}
}

// OnRetry registers a callback invoked before each retry sleep.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(h *Handler) {
		h.onRetry = fn
	}
}

func New(policy Policy, opts ...Option) *Handler {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	if policy.RetryableErrors == nil {
		policy.RetryableErrors = DefaultRetryableErrors
	}

	h := &Handler{
		policy:  policy,
		logger:  slog.Default(),
		sleep:   sleepContext,
		jitter:  rand.Float64,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Policy() Policy {
	return h.policy
}

// IsRetryable reports whether err matches one of the retryable substrings.
func (h *Handler) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range h.policy.RetryableErrors {
		if pattern != "" && strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// Delay returns the backoff before the given retry (attempt >= 1),
// including jitter in [0, 10%] of the base backoff.
func (h *Handler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	backoff := float64(h.policy.BaseDelay) * math.Pow(h.policy.Multiplier, float64(attempt-1))
	jitter := backoff * 0.1 * h.jitter()
	return time.Duration(backoff + jitter)
}

// Execute invokes op until it succeeds, fails with a non-retryable error,
// or the retries are used up. Non-retryable errors are returned unchanged;
// exhaustion returns an error wrapping domain.ErrRetryExhausted and the
// last failure.
func (h *Handler) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	start := h.nowFunc()
	var lastErr error

	for attempt := 0; attempt <= h.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := h.Delay(attempt)

			if h.policy.MaxElapsed > 0 && h.nowFunc().Add(delay).Sub(start) > h.policy.MaxElapsed {
				return fmt.Errorf("%w after %d attempts (deadline %s): %w",
					domain.ErrRetryExhausted, attempt, h.policy.MaxElapsed, lastErr)
			}

			h.logger.Warn("operation failed, retrying",
				"attempt", attempt,
				"max_retries", h.policy.MaxRetries,
				"delay", delay,
				"error", lastErr,
			)
			if h.onRetry != nil {
				h.onRetry(attempt, delay, lastErr)
			}

			if err := h.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !h.IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", domain.ErrRetryExhausted, h.policy.MaxRetries+1, lastErr)
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, h *Handler, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := h.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package ratelimit enforces an hourly request quota per (provider, user).
//
// Implementations:
//   - FixedWindow: one counter per window bucket in any store.Store
//   - SlidingWindow: Redis sorted set of request timestamps, no boundary burst
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/store"
)

// Limiter is the admission quota consulted before every provider call.
type Limiter interface {
	CanMakeRequest(ctx context.Context, provider, userKey string) bool
	RecordRequest(ctx context.Context, provider, userKey string)
	RemainingRequests(ctx context.Context, provider, userKey string) int
	Limit() int
}

type Config struct {
	MaxRequests int
	Window      time.Duration
}

var ErrInvalidConfig = errors.New("ratelimit: max requests and window must be positive")

func DefaultConfig() Config {
	return Config{
		MaxRequests: 100,
		Window:      time.Hour,
	}
}

func (c Config) Validate() error {
	if c.MaxRequests <= 0 || c.Window <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

type options struct {
	logger  *slog.Logger
	nowFunc func() time.Time
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.nowFunc = now
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), nowFunc: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func normalizeUser(userKey string) string {
	if userKey == "" {
		return domain.GlobalUserKey
	}
	return userKey
}

// FixedWindow counts requests per discrete window. A burst straddling a
// window boundary can reach twice the limit.
type FixedWindow struct {
	store  store.Store
	config Config
	opts   options
}

func NewFixedWindow(s store.Store, cfg Config, opts ...Option) (*FixedWindow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FixedWindow{store: s, config: cfg, opts: buildOptions(opts)}, nil
}

func (l *FixedWindow) key(provider, userKey string) string {
	stamp := l.opts.nowFunc().UTC().Truncate(l.config.Window).Format("2006-01-02-15-04")
	return fmt.Sprintf("rate_limit:%s:%s:%s", provider, normalizeUser(userKey), stamp)
}

func (l *FixedWindow) count(ctx context.Context, provider, userKey string) (int, error) {
	data, ok, err := l.store.Get(ctx, l.key(provider, userKey))
	if err != nil || !ok {
		return 0, err
	}

	var n int
	if _, err := fmt.Sscan(string(data), &n); err != nil {
		return 0, err
	}
	return n, nil
}

// CanMakeRequest fails open when the counter cannot be read.
func (l *FixedWindow) CanMakeRequest(ctx context.Context, provider, userKey string) bool {
	n, err := l.count(ctx, provider, userKey)
	if err != nil {
		l.opts.logger.Warn("rate limit counter unavailable", "provider", provider, "user", userKey, "error", err)
		return true
	}
	return n < l.config.MaxRequests
}

func (l *FixedWindow) RecordRequest(ctx context.Context, provider, userKey string) {
	if _, err := l.store.Increment(ctx, l.key(provider, userKey), 1, l.config.Window); err != nil {
		l.opts.logger.Warn("rate limit increment failed", "provider", provider, "user", userKey, "error", err)
	}
}

func (l *FixedWindow) RemainingRequests(ctx context.Context, provider, userKey string) int {
	n, err := l.count(ctx, provider, userKey)
	if err != nil {
		l.opts.logger.Warn("rate limit counter unavailable", "provider", provider, "user", userKey, "error", err)
		return l.config.MaxRequests
	}
	return max(0, l.config.MaxRequests-n)
}

func (l *FixedWindow) Limit() int {
	return l.config.MaxRequests
}

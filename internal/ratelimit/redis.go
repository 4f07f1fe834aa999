package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow keeps one sorted-set member per request scored by its
// timestamp, so the quota always covers the trailing window.
type SlidingWindow struct {
	client *redis.Client
	config Config
	opts   options
}

func NewSlidingWindow(client *redis.Client, cfg Config, opts ...Option) (*SlidingWindow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SlidingWindow{client: client, config: cfg, opts: buildOptions(opts)}, nil
}

func (l *SlidingWindow) key(provider, userKey string) string {
	return fmt.Sprintf("ratelimit:%s:%s", provider, normalizeUser(userKey))
}

func (l *SlidingWindow) count(ctx context.Context, provider, userKey string) (int, error) {
	key := l.key(provider, userKey)
	windowStart := l.opts.nowFunc().Add(-l.config.Window)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", formatNanos(windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(countCmd.Val()), nil
}

func (l *SlidingWindow) CanMakeRequest(ctx context.Context, provider, userKey string) bool {
	n, err := l.count(ctx, provider, userKey)
	if err != nil {
		l.opts.logger.Warn("rate limit window unavailable", "provider", provider, "user", userKey, "error", err)
		return true
	}
	return n < l.config.MaxRequests
}

func (l *SlidingWindow) RecordRequest(ctx context.Context, provider, userKey string) {
	key := l.key(provider, userKey)
	now := l.opts.nowFunc().UnixNano()

	pipe := l.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now),
		Member: formatNanos(now) + ":" + uuid.NewString(),
	})
	pipe.Expire(ctx, key, l.config.Window)

	if _, err := pipe.Exec(ctx); err != nil {
		l.opts.logger.Warn("rate limit record failed", "provider", provider, "user", userKey, "error", err)
	}
}

func (l *SlidingWindow) RemainingRequests(ctx context.Context, provider, userKey string) int {
	n, err := l.count(ctx, provider, userKey)
	if err != nil {
		l.opts.logger.Warn("rate limit window unavailable", "provider", provider, "user", userKey, "error", err)
		return l.config.MaxRequests
	}
	return max(0, l.config.MaxRequests-n)
}

func (l *SlidingWindow) Limit() int {
	return l.config.MaxRequests
}

func formatNanos(n int64) string {
	return strconv.FormatInt(n, 10)
}

package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts apply each transition atomically on the provider's hash.
// Time is passed in as ARGV (unix milliseconds) rather than read with TIME
// so every instance and test shares the caller's clock.

// isOpenScript decides admission and performs open -> half_open.
// Keys: [state_key]
// Args: [now_ms, recovery_ms, ttl_ms]
// Returns: {rejected (0|1), from, to, failures}
var isOpenScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'status') or 'closed'
local failures = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
local now = tonumber(ARGV[1])
local recovery = tonumber(ARGV[2])

if state == 'open' then
    local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
    if (now - opened) < recovery then
        return {1, state, state, failures}
    end
    redis.call('HSET', KEYS[1], 'status', 'half_open', 'trial_at', ARGV[1])
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
    return {0, 'open', 'half_open', failures}
end

if state == 'half_open' then
    local trial = tonumber(redis.call('HGET', KEYS[1], 'trial_at') or '0')
    if (now - trial) < recovery then
        return {1, state, state, failures}
    end
    redis.call('HSET', KEYS[1], 'trial_at', ARGV[1])
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end

return {0, state, state, failures}
`)

// recordSuccessScript closes the circuit unless it is open.
// Keys: [state_key]
// Args: [ttl_ms]
// Returns: {from, to}
var recordSuccessScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'status') or 'closed'

if state == 'open' then
    return {state, state}
end

redis.call('HSET', KEYS[1], 'status', 'closed', 'failures', '0')
redis.call('HDEL', KEYS[1], 'opened_at', 'trial_at')
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return {state, 'closed'}
`)

// recordFailureScript counts a failure and opens the circuit when needed.
// Keys: [state_key]
// Args: [now_ms, failure_threshold, ttl_ms]
// Returns: {from, to, failures}
var recordFailureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'status') or 'closed'
local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
local nextState = state

if state == 'closed' and failures >= tonumber(ARGV[2]) then
    nextState = 'open'
elseif state == 'half_open' then
    nextState = 'open'
end

if nextState == 'open' and state ~= 'open' then
    redis.call('HSET', KEYS[1], 'status', 'open', 'opened_at', ARGV[1])
    redis.call('HDEL', KEYS[1], 'trial_at')
else
    redis.call('HSET', KEYS[1], 'status', state)
end

redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {state, nextState, failures}
`)

// resetScript closes the circuit unconditionally.
// Keys: [state_key]
// Args: [ttl_ms]
// Returns: previous state
var resetScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'status') or 'closed'
redis.call('HSET', KEYS[1], 'status', 'closed', 'failures', '0')
redis.call('HDEL', KEYS[1], 'opened_at', 'trial_at')
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return state
`)

// RedisBreaker keeps each provider's circuit in a Redis hash and applies
// every transition in a single script, so concurrent workers across
// instances never lose a failure.
type RedisBreaker struct {
	client *redis.Client
	config Config
	opts   options
}

// NewRedisBreaker creates a breaker sharing an existing client.
func NewRedisBreaker(client *redis.Client, cfg Config, opts ...Option) (*RedisBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &RedisBreaker{
		client: client,
		config: cfg,
		opts:   buildOptions(opts),
	}, nil
}

func hashKey(provider string) string {
	return fmt.Sprintf("cb:%s:state", provider)
}

func (b *RedisBreaker) nowMillis() int64 {
	return b.opts.nowFunc().UnixMilli()
}

// IsOpen fails open: on Redis errors the call is allowed.
func (b *RedisBreaker) IsOpen(ctx context.Context, provider string) bool {
	args := []interface{}{
		b.nowMillis(),
		b.config.RecoveryWindow.Milliseconds(),
		b.config.StateTTL.Milliseconds(),
	}

	result, err := isOpenScript.Run(ctx, b.client, []string{hashKey(provider)}, args...).Slice()
	if err != nil || len(result) < 4 {
		b.opts.logger.Warn("circuit breaker state unavailable", "provider", provider, "error", err)
		return false
	}

	b.opts.emit(ctx, Transition{
		Provider:     provider,
		From:         parseState(toString(result[1])),
		To:           parseState(toString(result[2])),
		FailureCount: toInt(result[3]),
	})

	return toInt(result[0]) == 1
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context, provider string) {
	result, err := recordSuccessScript.Run(ctx, b.client, []string{hashKey(provider)},
		b.config.StateTTL.Milliseconds()).Slice()
	if err != nil || len(result) < 2 {
		b.opts.logger.Warn("circuit breaker update failed", "provider", provider, "error", err)
		return
	}

	b.opts.emit(ctx, Transition{
		Provider: provider,
		From:     parseState(toString(result[0])),
		To:       parseState(toString(result[1])),
	})
}

func (b *RedisBreaker) RecordFailure(ctx context.Context, provider string) {
	args := []interface{}{
		b.nowMillis(),
		b.config.FailureThreshold,
		b.config.StateTTL.Milliseconds(),
	}

	result, err := recordFailureScript.Run(ctx, b.client, []string{hashKey(provider)}, args...).Slice()
	if err != nil || len(result) < 3 {
		b.opts.logger.Warn("circuit breaker update failed", "provider", provider, "error", err)
		return
	}

	b.opts.emit(ctx, Transition{
		Provider:     provider,
		From:         parseState(toString(result[0])),
		To:           parseState(toString(result[1])),
		FailureCount: toInt(result[2]),
	})
}

func (b *RedisBreaker) Status(ctx context.Context, provider string) Status {
	fields, err := b.client.HGetAll(ctx, hashKey(provider)).Result()
	if err != nil {
		b.opts.logger.Warn("circuit breaker state unavailable", "provider", provider, "error", err)
		return Status{State: StateClosed}
	}

	status := Status{State: parseState(fields["status"])}
	status.FailureCount, _ = strconv.Atoi(fields["failures"])

	if ms, err := strconv.ParseInt(fields["opened_at"], 10, 64); err == nil && ms > 0 {
		opened := time.UnixMilli(ms).UTC()
		status.OpenedAt = &opened
	}
	return status
}

func (b *RedisBreaker) ForceReset(ctx context.Context, provider string) error {
	prev, err := resetScript.Run(ctx, b.client, []string{hashKey(provider)},
		b.config.StateTTL.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("reset circuit breaker: %w", err)
	}

	b.opts.emit(ctx, Transition{Provider: provider, From: parseState(prev), To: StateClosed})
	return nil
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

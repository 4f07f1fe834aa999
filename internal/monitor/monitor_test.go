package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/finance-assistant/internal/circuitbreaker"
	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/ratelimit"
	"github.com/felipepmaragno/finance-assistant/internal/stats"
	"github.com/felipepmaragno/finance-assistant/internal/store"
)

type fixture struct {
	monitor *Monitor
	stats   *stats.Recorder
	breaker *circuitbreaker.StoreBreaker
	limiter *ratelimit.FixedWindow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := store.NewMemory(store.WithClock(clock))
	t.Cleanup(func() { s.Close() })

	breaker, err := circuitbreaker.NewStoreBreaker(s, circuitbreaker.Config{
		FailureThreshold: 2,
		RecoveryWindow:   10 * time.Minute,
		StateTTL:         time.Hour,
	}, circuitbreaker.WithClock(clock))
	require.NoError(t, err)

	limiter, err := ratelimit.NewFixedWindow(s, ratelimit.Config{MaxRequests: 3, Window: time.Hour}, ratelimit.WithClock(clock))
	require.NoError(t, err)

	recorder := stats.NewRecorder(s, stats.DefaultConfig(), stats.WithClock(clock))

	return &fixture{
		monitor: New([]string{"openai", "anthropic", "ollama"}, recorder, breaker, limiter, WithClock(clock)),
		stats:   recorder,
		breaker: breaker,
		limiter: limiter,
	}
}

func (f *fixture) record(provider string, requests, errors int) {
	ctx := context.Background()
	for i := 0; i < requests; i++ {
		f.stats.RecordRequest(ctx, provider, stats.Metadata{Latency: 100 * time.Millisecond})
	}
	for i := 0; i < errors; i++ {
		f.stats.RecordError(ctx, provider, domain.ErrorTypeUnavailable, stats.Metadata{})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		state     circuitbreaker.State
		errorRate float64
		want      Health
	}{
		{"open circuit is critical", circuitbreaker.StateOpen, 0, HealthCritical},
		{"above 10 percent", circuitbreaker.StateClosed, 10.5, HealthWarning},
		{"exactly 10 percent", circuitbreaker.StateClosed, 10, HealthDegraded},
		{"above 5 percent", circuitbreaker.StateHalfOpen, 6, HealthDegraded},
		{"exactly 5 percent", circuitbreaker.StateClosed, 5, HealthHealthy},
		{"no errors", circuitbreaker.StateClosed, 0, HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.state, tt.errorRate))
		})
	}
}

func TestProviderMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record("openai", 4, 1)
	f.limiter.RecordRequest(ctx, "openai", "user-1")
	f.breaker.RecordFailure(ctx, "openai")

	got, err := f.monitor.ProviderMetrics(ctx, "openai", 24, "user-1")
	require.NoError(t, err)

	assert.EqualValues(t, 4, got.Summary.TotalRequests)
	assert.EqualValues(t, 1, got.Summary.TotalErrors)
	assert.InDelta(t, 25.0, got.Summary.ErrorRate, 1e-9)
	assert.Len(t, got.Hourly, 24)
	assert.Equal(t, 4, got.Latency.Count)

	assert.Equal(t, circuitbreaker.StateClosed, got.CircuitBreaker.State)
	assert.Equal(t, 1, got.CircuitBreaker.FailureCount)

	assert.Equal(t, RateLimitStatus{Limit: 3, Remaining: 2, Available: true}, got.RateLimit)
}

func TestProviderMetrics_RateLimitExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.limiter.RecordRequest(ctx, "ollama", "")
	}

	got, err := f.monitor.ProviderMetrics(ctx, "ollama", 1, "")
	require.NoError(t, err)
	assert.Equal(t, RateLimitStatus{Limit: 3, Remaining: 0, Available: false}, got.RateLimit)
}

func TestProviderMetrics_UnknownProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.monitor.ProviderMetrics(context.Background(), "bedrock", 1, "")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record("openai", 100, 3)   // 3%: healthy
	f.record("ollama", 100, 8)   // 8%: degraded
	f.record("anthropic", 10, 0) // healthy until the circuit opens
	f.breaker.RecordFailure(ctx, "anthropic")
	f.breaker.RecordFailure(ctx, "anthropic")

	status := f.monitor.SystemStatus(ctx)
	require.Len(t, status.Providers, 3)

	byName := map[string]ProviderHealth{}
	for _, p := range status.Providers {
		byName[p.Provider] = p
	}

	assert.Equal(t, HealthHealthy, byName["openai"].Health)
	assert.Equal(t, HealthDegraded, byName["ollama"].Health)
	assert.Equal(t, HealthCritical, byName["anthropic"].Health)
	assert.Equal(t, circuitbreaker.StateOpen, byName["anthropic"].CircuitState)
	assert.Equal(t, HealthCritical, status.Status)
	assert.Equal(t, "anthropic", status.Providers[0].Provider)
}

func TestSystemStatus_Warning(t *testing.T) {
	f := newFixture(t)
	f.record("openai", 10, 2)

	status := f.monitor.SystemStatus(context.Background())
	assert.Equal(t, HealthWarning, status.Status)
}

func TestSystemStatus_NoTraffic(t *testing.T) {
	f := newFixture(t)

	status := f.monitor.SystemStatus(context.Background())
	assert.Equal(t, HealthHealthy, status.Status)
	for _, p := range status.Providers {
		assert.Zero(t, p.ErrorRate)
	}
}

func TestResetCircuitBreaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.breaker.RecordFailure(ctx, "openai")
	f.breaker.RecordFailure(ctx, "openai")
	require.True(t, f.breaker.IsOpen(ctx, "openai"))

	status, err := f.monitor.ResetCircuitBreaker(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, status.State)
	assert.Zero(t, status.FailureCount)
	assert.False(t, f.breaker.IsOpen(ctx, "openai"))

	_, err = f.monitor.ResetCircuitBreaker(ctx, "bedrock")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestProviders(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, f.monitor.Providers())
}

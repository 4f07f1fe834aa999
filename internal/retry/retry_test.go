package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestExecute_RetryableErrorExhausts(t *testing.T) {
	sleeper := &recordingSleeper{}
	h := New(Policy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, Multiplier: 2.0},
		WithSleep(sleeper.Sleep),
		WithJitterSource(func() float64 { return 0 }),
	)

	calls := 0
	upstream := fmt.Errorf("%w: openai status=503 body=overloaded", domain.ErrProviderUnavailable)
	err := h.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return upstream
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
}

func TestExecute_NonRetryableReturnsImmediately(t *testing.T) {
	sleeper := &recordingSleeper{}
	h := New(Policy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, Multiplier: 2.0}, WithSleep(sleeper.Sleep))

	calls := 0
	authErr := fmt.Errorf("%w: openai status=401", domain.ErrAuth)
	err := h.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return authErr
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, authErr, err)
	assert.Empty(t, sleeper.delays)
}

func TestExecute_SucceedsAfterRetry(t *testing.T) {
	sleeper := &recordingSleeper{}
	h := New(DefaultPolicy(), WithSleep(sleeper.Sleep))

	calls := 0
	err := h.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("Service Unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeper.delays, 2)
}

func TestExecute_ZeroRetries(t *testing.T) {
	h := New(Policy{MaxRetries: 0, BaseDelay: time.Millisecond})

	calls := 0
	err := h.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("status 429")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, domain.ErrRetryExhausted)
}

func TestExecute_ContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := New(Policy{MaxRetries: 3, BaseDelay: time.Hour, Multiplier: 2})

	calls := 0
	err := h.Execute(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("connection timeout")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_MaxElapsedStopsEarly(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sleep := func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}

	h := New(Policy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxElapsed: 4 * time.Second,
	}, WithSleep(sleep), WithClock(clock), WithJitterSource(func() float64 { return 0 }))

	calls := 0
	err := h.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("503 service unavailable")
	})

	// 1s + 2s fit in the deadline, the following 4s sleep would not.
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, domain.ErrRetryExhausted)
}

func TestDelay_JitterBounds(t *testing.T) {
	h := New(Policy{BaseDelay: time.Second, Multiplier: 2}, WithJitterSource(func() float64 { return 0.999999 }))

	for attempt := 1; attempt <= 4; attempt++ {
		base := time.Second * time.Duration(1<<(attempt-1))
		d := h.Delay(attempt)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/10)
	}
	assert.Equal(t, time.Duration(0), h.Delay(0))
}

func TestIsRetryable(t *testing.T) {
	h := New(DefaultPolicy())

	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("Connection Timeout while dialing"), true},
		{errors.New("RATE LIMIT EXCEEDED"), true},
		{errors.New("openai status=504 body="), true},
		{errors.New("invalid api key"), false},
		{nil, false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.IsRetryable(tt.err))
		})
	}
}

func TestDo_ReturnsValue(t *testing.T) {
	h := New(DefaultPolicy(), WithSleep(func(context.Context, time.Duration) error { return nil }))

	calls := 0
	got, err := Do(context.Background(), h, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("429 too many requests")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestOnRetry(t *testing.T) {
	var attempts []int
	h := New(Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 1},
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		OnRetry(func(attempt int, delay time.Duration, err error) { attempts = append(attempts, attempt) }),
	)

	_ = h.Execute(context.Background(), func(ctx context.Context) error { return errors.New("503") })
	assert.Equal(t, []int{1, 2}, attempts)
}

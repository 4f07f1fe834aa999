package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/finance-assistant/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newFixed(t *testing.T, max int) (*FixedWindow, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
	mem := store.NewMemory(store.WithClock(clock.Now))
	t.Cleanup(func() { mem.Close() })

	l, err := NewFixedWindow(mem, Config{MaxRequests: max, Window: time.Hour}, WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock
}

func newSliding(t *testing.T, max int) (*SlidingWindow, *fakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
	l, err := NewSlidingWindow(client, Config{MaxRequests: max, Window: time.Hour}, WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock
}

func TestFixedWindow_DeniesAfterQuota(t *testing.T) {
	l, clock := newFixed(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.CanMakeRequest(ctx, "openai", "user-1"))
		l.RecordRequest(ctx, "openai", "user-1")
	}

	assert.False(t, l.CanMakeRequest(ctx, "openai", "user-1"))
	assert.Equal(t, 0, l.RemainingRequests(ctx, "openai", "user-1"))

	clock.Set(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	assert.True(t, l.CanMakeRequest(ctx, "openai", "user-1"))
	assert.Equal(t, 3, l.RemainingRequests(ctx, "openai", "user-1"))
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	l, _ := newFixed(t, 1)
	ctx := context.Background()

	l.RecordRequest(ctx, "openai", "user-1")

	assert.False(t, l.CanMakeRequest(ctx, "openai", "user-1"))
	assert.True(t, l.CanMakeRequest(ctx, "openai", "user-2"))
	assert.True(t, l.CanMakeRequest(ctx, "ollama", "user-1"))
}

func TestFixedWindow_EmptyUserIsGlobal(t *testing.T) {
	l, _ := newFixed(t, 2)
	ctx := context.Background()

	l.RecordRequest(ctx, "openai", "")
	assert.Equal(t, 1, l.RemainingRequests(ctx, "openai", "global"))
}

func TestFixedWindow_RemainingNeverNegative(t *testing.T) {
	l, _ := newFixed(t, 1)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.RecordRequest(ctx, "openai", "user-1")
	}
	assert.Equal(t, 0, l.RemainingRequests(ctx, "openai", "user-1"))
}

func TestFixedWindow_BoundaryBurst(t *testing.T) {
	l, clock := newFixed(t, 2)
	ctx := context.Background()

	clock.Set(time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC))
	l.RecordRequest(ctx, "openai", "user-1")
	l.RecordRequest(ctx, "openai", "user-1")
	require.False(t, l.CanMakeRequest(ctx, "openai", "user-1"))

	clock.Set(time.Date(2026, 3, 1, 11, 1, 0, 0, time.UTC))
	assert.True(t, l.CanMakeRequest(ctx, "openai", "user-1"))
}

func TestFixedWindow_ConcurrentRecordsAreNotLost(t *testing.T) {
	l, _ := newFixed(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RecordRequest(ctx, "openai", "user-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 900, l.RemainingRequests(ctx, "openai", "user-1"))
}

func TestSlidingWindow_DeniesAfterQuota(t *testing.T) {
	l, clock := newSliding(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.CanMakeRequest(ctx, "openai", "user-1"))
		l.RecordRequest(ctx, "openai", "user-1")
	}

	assert.False(t, l.CanMakeRequest(ctx, "openai", "user-1"))
	assert.Equal(t, 0, l.RemainingRequests(ctx, "openai", "user-1"))

	clock.Set(clock.Now().Add(time.Hour + time.Second))
	assert.True(t, l.CanMakeRequest(ctx, "openai", "user-1"))
}

func TestSlidingWindow_NoBoundaryBurst(t *testing.T) {
	l, clock := newSliding(t, 2)
	ctx := context.Background()

	clock.Set(time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC))
	l.RecordRequest(ctx, "openai", "user-1")
	l.RecordRequest(ctx, "openai", "user-1")

	clock.Set(time.Date(2026, 3, 1, 11, 1, 0, 0, time.UTC))
	assert.False(t, l.CanMakeRequest(ctx, "openai", "user-1"))
	assert.Equal(t, 2, l.Limit())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{MaxRequests: 0, Window: time.Hour}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{MaxRequests: 1}.Validate(), ErrInvalidConfig)
}

func BenchmarkFixedWindow_RecordRequest(b *testing.B) {
	mem := store.NewMemory()
	defer mem.Close()
	l, _ := NewFixedWindow(mem, Config{MaxRequests: 1 << 30, Window: time.Hour})
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l.RecordRequest(ctx, "openai", "user-1")
		}
	})
}

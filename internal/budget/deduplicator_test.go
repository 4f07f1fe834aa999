package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/finance-assistant/internal/calllog"
	"github.com/felipepmaragno/finance-assistant/internal/store"
)

func testDeduplicators(t *testing.T) map[string]Deduplicator {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })

	return map[string]Deduplicator{
		"in-memory":    NewInMemoryDeduplicator(),
		"memory store": NewStoreDeduplicator(mem, time.Hour, nil),
		"redis store":  NewStoreDeduplicator(store.NewRedisWithClient(client), time.Hour, nil),
	}
}

func TestDeduplicator_ShouldAlert(t *testing.T) {
	for name, d := range testDeduplicators(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			assert.True(t, d.ShouldAlert(ctx, "user1", AlertLevelWarning), "first alert")
			assert.False(t, d.ShouldAlert(ctx, "user1", AlertLevelWarning), "same alert again")
			assert.True(t, d.ShouldAlert(ctx, "user1", AlertLevelCritical), "different level")
			assert.True(t, d.ShouldAlert(ctx, "user2", AlertLevelWarning), "different user")
		})
	}
}

func TestDeduplicator_ClearAlert(t *testing.T) {
	for name, d := range testDeduplicators(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			d.ShouldAlert(ctx, "user1", AlertLevelWarning)
			d.ClearAlert(ctx, "user1")

			assert.True(t, d.ShouldAlert(ctx, "user1", AlertLevelWarning))
		})
	}
}

func TestStoreDeduplicator_TTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewStoreDeduplicator(store.NewRedisWithClient(client), time.Minute, nil)
	ctx := context.Background()

	require.True(t, d.ShouldAlert(ctx, "user1", AlertLevelExceeded))
	require.False(t, d.ShouldAlert(ctx, "user1", AlertLevelExceeded))

	mr.FastForward(2 * time.Minute)

	assert.True(t, d.ShouldAlert(ctx, "user1", AlertLevelExceeded), "marker should have expired")
}

func TestGuard_SharedDeduplicator(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	shared := store.NewRedisWithClient(client)
	log := calllog.NewInMemoryLog()
	spend(t, log, "user-1", 90, testNow)

	// Two instances evaluating the same user dispatch one alert between them.
	a := NewGuard(log, Config{MonthlyUSD: 100}, WithClock(fixedClock), WithDeduplicator(NewStoreDeduplicator(shared, time.Hour, nil)))
	b := NewGuard(log, Config{MonthlyUSD: 100}, WithClock(fixedClock), WithDeduplicator(NewStoreDeduplicator(shared, time.Hour, nil)))

	ctx := context.Background()
	first, err := a.Check(ctx, "user-1")
	require.NoError(t, err)
	second, err := b.Check(ctx, "user-1")
	require.NoError(t, err)

	assert.NotNil(t, first)
	assert.Nil(t, second)
}

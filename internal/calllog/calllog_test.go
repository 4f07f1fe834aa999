package calllog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLog_UserRecords(t *testing.T) {
	log := NewInMemoryLog()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	log.Record(ctx, Record{RequestID: "r1", UserKey: "user-1", CostUSD: 0.01, Timestamp: base.Add(-2 * time.Hour)})
	log.Record(ctx, Record{RequestID: "r2", UserKey: "user-1", CostUSD: 0.02, Timestamp: base})
	log.Record(ctx, Record{RequestID: "r3", UserKey: "user-2", CostUSD: 0.05, Timestamp: base})
	log.Record(ctx, Record{RequestID: "r4", UserKey: "user-1", CostUSD: 0.03, Timestamp: base.Add(time.Minute)})

	records, err := log.UserRecords(ctx, "user-1", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r4", records[0].RequestID, "newest first")
	assert.Equal(t, "r2", records[1].RequestID)

	total, err := log.UserTotalCost(ctx, "user-1", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.05, total, 1e-9)

	assert.Len(t, log.All(), 4)
}

func TestSummarize(t *testing.T) {
	log := NewInMemoryLog()
	ctx := context.Background()
	now := time.Now()

	log.Record(ctx, Record{UserKey: "user-1", PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.01, Status: StatusSuccess, Timestamp: now})
	log.Record(ctx, Record{UserKey: "user-1", Status: StatusError, ErrorType: "rate_limited", Timestamp: now})
	log.Record(ctx, Record{UserKey: "user-1", PromptTokens: 10, CompletionTokens: 5, Cached: true, Status: StatusCached, Timestamp: now})

	usage, err := Summarize(ctx, log, "user-1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Calls)
	assert.Equal(t, 1, usage.Errors)
	assert.Equal(t, 30, usage.Tokens)
}

func TestSummarize_Empty(t *testing.T) {
	usage, err := Summarize(context.Background(), NewInMemoryLog(), "nobody", time.Time{})
	require.NoError(t, err)
	assert.NotNil(t, usage.Records)
	assert.Empty(t, usage.Records)
}

type failingLog struct{ InMemoryLog }

func (f *failingLog) UserRecords(ctx context.Context, userKey string, since time.Time) ([]Record, error) {
	return nil, errors.New("connection refused")
}

func TestSummarize_PropagatesError(t *testing.T) {
	_, err := Summarize(context.Background(), &failingLog{}, "user-1", time.Time{})
	assert.ErrorContains(t, err, "connection refused")
}

//go:build integration

package calllog_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/finance-assistant/internal/calllog"
)

func TestPostgresLog_RecordAndQuery(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := calllog.OpenPostgres(ctx, dbURL)
	require.NoError(t, err)
	defer db.Close()

	log := calllog.NewPostgresLog(db)
	require.NoError(t, log.Migrate(ctx))

	user := "integration-" + time.Now().Format("20060102150405.000")
	since := time.Now().Add(-time.Minute)

	for i, cost := range []float64{0.01, 0.02} {
		err := log.Record(ctx, calllog.Record{
			RequestID:        "req-" + string(rune('a'+i)),
			UserKey:          user,
			Provider:         "openai",
			Model:            "gpt-4o-mini",
			Operation:        "generate_text",
			PromptTokens:     100,
			CompletionTokens: 50,
			CostUSD:          cost,
			LatencyMs:        120,
			Status:           calllog.StatusSuccess,
			Timestamp:        time.Now(),
		})
		require.NoError(t, err)
	}

	records, err := log.UserRecords(ctx, user, since)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	total, err := log.UserTotalCost(ctx, user, since)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, total, 1e-6)
}

package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Schema creates the table used by PostgresLog.
const Schema = `
CREATE TABLE IF NOT EXISTS llm_calls (
	id                BIGSERIAL PRIMARY KEY,
	request_id        TEXT NOT NULL,
	user_key          TEXT NOT NULL,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	operation         TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	cached            BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms        BIGINT NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	error_type        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS llm_calls_user_created_idx ON llm_calls (user_key, created_at);
`

type PostgresLog struct {
	db *sql.DB
}

// OpenPostgres connects with the lib/pq driver and verifies the connection.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create llm_calls table: %w", err)
	}
	return nil
}

func (l *PostgresLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *PostgresLog) Record(ctx context.Context, record Record) error {
	query := `
		INSERT INTO llm_calls (request_id, user_key, provider, model, operation, prompt_tokens, completion_tokens, cost_usd, cached, latency_ms, status, error_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := l.db.ExecContext(ctx, query,
		record.RequestID,
		record.UserKey,
		record.Provider,
		record.Model,
		record.Operation,
		record.PromptTokens,
		record.CompletionTokens,
		record.CostUSD,
		record.Cached,
		record.LatencyMs,
		record.Status,
		record.ErrorType,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}

	return nil
}

func (l *PostgresLog) UserRecords(ctx context.Context, userKey string, since time.Time) ([]Record, error) {
	query := `
		SELECT request_id, user_key, provider, model, operation, prompt_tokens, completion_tokens,
		       cost_usd, cached, latency_ms, status, error_type, created_at
		FROM llm_calls
		WHERE user_key = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := l.db.QueryContext(ctx, query, userKey, since)
	if err != nil {
		return nil, fmt.Errorf("query llm calls: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.RequestID,
			&r.UserKey,
			&r.Provider,
			&r.Model,
			&r.Operation,
			&r.PromptTokens,
			&r.CompletionTokens,
			&r.CostUSD,
			&r.Cached,
			&r.LatencyMs,
			&r.Status,
			&r.ErrorType,
			&r.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan llm call: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (l *PostgresLog) UserTotalCost(ctx context.Context, userKey string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM llm_calls
		WHERE user_key = $1 AND created_at >= $2
	`

	var total float64
	if err := l.db.QueryRowContext(ctx, query, userKey, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}

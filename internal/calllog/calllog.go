// Package calllog keeps one record per LLM call for auditing and cost
// reporting.
package calllog

import (
	"context"
	"sync"
	"time"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusCached  = "cached"
)

type Record struct {
	RequestID        string    `json:"request_id"`
	UserKey          string    `json:"user_key"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Operation        string    `json:"operation"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Cached           bool      `json:"cached"`
	LatencyMs        int64     `json:"latency_ms"`
	Status           string    `json:"status"`
	ErrorType        string    `json:"error_type,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Usage summarizes the records of one user since a point in time.
type Usage struct {
	UserKey string    `json:"user_key"`
	Since   time.Time `json:"since"`
	Calls   int       `json:"calls"`
	Errors  int       `json:"errors"`
	Tokens  int       `json:"tokens"`
	CostUSD float64   `json:"cost_usd"`
	Records []Record  `json:"records"`
}

type Log interface {
	Record(ctx context.Context, record Record) error
	UserRecords(ctx context.Context, userKey string, since time.Time) ([]Record, error)
	UserTotalCost(ctx context.Context, userKey string, since time.Time) (float64, error)
}

// Summarize reads a user's records and totals them.
func Summarize(ctx context.Context, log Log, userKey string, since time.Time) (*Usage, error) {
	records, err := log.UserRecords(ctx, userKey, since)
	if err != nil {
		return nil, err
	}

	usage := &Usage{UserKey: userKey, Since: since, Records: records}
	for _, r := range records {
		usage.Calls++
		if r.Status == StatusError {
			usage.Errors++
		}
		usage.Tokens += r.PromptTokens + r.CompletionTokens
		usage.CostUSD += r.CostUSD
	}
	if usage.Records == nil {
		usage.Records = []Record{}
	}
	return usage, nil
}

type InMemoryLog struct {
	mu      sync.RWMutex
	records []Record
}

func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{
		records: make([]Record, 0),
	}
}

func (l *InMemoryLog) Record(ctx context.Context, record Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, record)
	return nil
}

// UserRecords returns newest first, matching the Postgres ordering.
func (l *InMemoryLog) UserRecords(ctx context.Context, userKey string, since time.Time) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Record
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if r.UserKey == userKey && !r.Timestamp.Before(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (l *InMemoryLog) UserTotalCost(ctx context.Context, userKey string, since time.Time) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total float64
	for _, r := range l.records {
		if r.UserKey == userKey && !r.Timestamp.Before(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (l *InMemoryLog) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Record, len(l.records))
	copy(result, l.records)
	return result
}

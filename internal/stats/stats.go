// Package stats keeps per-provider LLM activity in hourly buckets of the
// shared store and aggregates them into reports.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/store"
)

const hourLayout = "2006-01-02-15"

type Config struct {
	// BucketTTL is how long an hourly bucket survives after its first write.
	BucketTTL time.Duration
	// MaxLatencySamples caps the per-provider latency list.
	MaxLatencySamples int
	// LatencyTTL expires the latency list of an idle provider.
	LatencyTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		BucketTTL:         48 * time.Hour,
		MaxLatencySamples: 1000,
		LatencyTTL:        48 * time.Hour,
	}
}

// Metadata describes one completed call. Zero Latency and nil Tokens mean
// the value is unknown.
type Metadata struct {
	Latency time.Duration
	Tokens  *domain.Usage
}

type latencySample struct {
	Timestamp int64   `json:"ts"`
	Millis    float64 `json:"ms"`
}

// Recorder writes and reads provider activity.
type Recorder struct {
	store   store.Store
	config  Config
	logger  *slog.Logger
	nowFunc func() time.Time
}

type Option func(*Recorder)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.nowFunc = now
	}
}

func NewRecorder(s store.Store, cfg Config, opts ...Option) *Recorder {
	def := DefaultConfig()
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = def.BucketTTL
	}
	if cfg.MaxLatencySamples <= 0 {
		cfg.MaxLatencySamples = def.MaxLatencySamples
	}
	if cfg.LatencyTTL <= 0 {
		cfg.LatencyTTL = def.LatencyTTL
	}

	r := &Recorder{
		store:   s,
		config:  cfg,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func hourStamp(t time.Time) string {
	return t.UTC().Format(hourLayout)
}

func counterKey(provider, name, hour string) string {
	return fmt.Sprintf("llm_metrics:%s:%s:%s", provider, name, hour)
}

func latencyKey(provider string) string {
	return fmt.Sprintf("llm_metrics:%s:latency", provider)
}

func (r *Recorder) incr(ctx context.Context, provider, name, hour string, delta int64) {
	if delta == 0 {
		return
	}
	if _, err := r.store.Increment(ctx, counterKey(provider, name, hour), delta, r.config.BucketTTL); err != nil {
		r.logger.Warn("metrics counter update failed", "provider", provider, "counter", name, "error", err)
	}
}

// RecordRequest counts one completed call in the current hour.
func (r *Recorder) RecordRequest(ctx context.Context, provider string, md Metadata) {
	now := r.nowFunc()
	hour := hourStamp(now)

	r.incr(ctx, provider, "requests", hour, 1)

	if md.Latency > 0 {
		sample, _ := json.Marshal(latencySample{
			Timestamp: now.Unix(),
			Millis:    float64(md.Latency) / float64(time.Millisecond),
		})
		err := r.store.Append(ctx, latencyKey(provider), sample, r.config.MaxLatencySamples, r.config.LatencyTTL)
		if err != nil {
			r.logger.Warn("latency sample write failed", "provider", provider, "error", err)
		}
	}

	if md.Tokens != nil {
		r.incr(ctx, provider, "tokens:prompt", hour, int64(md.Tokens.PromptTokens))
		r.incr(ctx, provider, "tokens:completion", hour, int64(md.Tokens.CompletionTokens))
		r.incr(ctx, provider, "tokens:total", hour, int64(md.Tokens.TotalTokens))
	}
}

// RecordError counts one failed call overall and under errorType.
func (r *Recorder) RecordError(ctx context.Context, provider, errorType string, md Metadata) {
	hour := hourStamp(r.nowFunc())

	if errorType == "" {
		errorType = domain.ErrorTypeUnknown
	}

	r.incr(ctx, provider, "errors", hour, 1)
	r.incr(ctx, provider, "errors:"+errorType, hour, 1)
}

// HourMetrics is one hourly bucket.
type HourMetrics struct {
	Hour             string           `json:"hour"`
	Requests         int64            `json:"requests"`
	Errors           int64            `json:"errors"`
	ErrorsByType     map[string]int64 `json:"errors_by_type,omitempty"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
}

type Summary struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	TotalTokens   int64   `json:"total_tokens"`
	ErrorRate     float64 `json:"error_rate"`
}

// Report aggregates the last HoursBack buckets, oldest first.
type Report struct {
	Provider    string        `json:"provider"`
	HoursBack   int           `json:"hours_back"`
	Hourly      []HourMetrics `json:"hourly"`
	Summary     Summary       `json:"summary"`
	Latency     LatencyStats  `json:"latency"`
	GeneratedAt time.Time     `json:"generated_at"`
}

func (r *Recorder) counter(ctx context.Context, provider, name, hour string) (int64, error) {
	data, ok, err := r.store.Get(ctx, counterKey(provider, name, hour))
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(string(data), 10, 64)
}

func (r *Recorder) hour(ctx context.Context, provider, hour string) (HourMetrics, error) {
	hm := HourMetrics{Hour: hour}

	fields := []struct {
		name string
		dst  *int64
	}{
		{"requests", &hm.Requests},
		{"errors", &hm.Errors},
		{"tokens:prompt", &hm.PromptTokens},
		{"tokens:completion", &hm.CompletionTokens},
		{"tokens:total", &hm.TotalTokens},
	}
	for _, f := range fields {
		v, err := r.counter(ctx, provider, f.name, hour)
		if err != nil {
			return hm, fmt.Errorf("read %s: %w", f.name, err)
		}
		*f.dst = v
	}

	if hm.Errors == 0 {
		return hm, nil
	}

	for _, errorType := range domain.ErrorTypes {
		v, err := r.counter(ctx, provider, "errors:"+errorType, hour)
		if err != nil {
			return hm, fmt.Errorf("read errors:%s: %w", errorType, err)
		}
		if v > 0 {
			if hm.ErrorsByType == nil {
				hm.ErrorsByType = make(map[string]int64)
			}
			hm.ErrorsByType[errorType] = v
		}
	}
	return hm, nil
}

// Metrics aggregates the current hour and the hoursBack-1 hours before it.
func (r *Recorder) Metrics(ctx context.Context, provider string, hoursBack int) (*Report, error) {
	if hoursBack < 1 {
		hoursBack = 1
	}

	now := r.nowFunc()
	report := &Report{
		Provider:    provider,
		HoursBack:   hoursBack,
		Hourly:      make([]HourMetrics, 0, hoursBack),
		GeneratedAt: now.UTC(),
	}

	for i := hoursBack - 1; i >= 0; i-- {
		hm, err := r.hour(ctx, provider, hourStamp(now.Add(-time.Duration(i)*time.Hour)))
		if err != nil {
			return nil, fmt.Errorf("metrics for %s: %w", provider, err)
		}

		report.Hourly = append(report.Hourly, hm)
		report.Summary.TotalRequests += hm.Requests
		report.Summary.TotalErrors += hm.Errors
		report.Summary.TotalTokens += hm.TotalTokens
	}

	if report.Summary.TotalRequests > 0 {
		report.Summary.ErrorRate = float64(report.Summary.TotalErrors) / float64(report.Summary.TotalRequests) * 100
	}

	samples, err := r.latencies(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("latency for %s: %w", provider, err)
	}
	report.Latency = ComputeLatencyStats(samples)

	return report, nil
}

func (r *Recorder) latencies(ctx context.Context, provider string) ([]float64, error) {
	items, err := r.store.Range(ctx, latencyKey(provider))
	if err != nil {
		return nil, err
	}

	samples := make([]float64, 0, len(items))
	for _, item := range items {
		var s latencySample
		if err := json.Unmarshal(item, &s); err != nil {
			r.logger.Warn("skipping malformed latency sample", "provider", provider, "error", err)
			continue
		}
		samples = append(samples, s.Millis)
	}
	return samples, nil
}

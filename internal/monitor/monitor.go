// Package monitor is the reporting surface over the resilience components:
// per-provider metrics, overall health and the administrative breaker reset.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/circuitbreaker"
	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/ratelimit"
	"github.com/felipepmaragno/finance-assistant/internal/stats"
)

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Error-rate thresholds in percent over the status window.
const (
	WarningErrorRate  = 10.0
	DegradedErrorRate = 5.0
)

// DefaultStatusHours is the window SystemStatus looks at.
const DefaultStatusHours = 1

type RateLimitStatus struct {
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	Available bool `json:"available"`
}

type ProviderMetrics struct {
	*stats.Report
	CircuitBreaker circuitbreaker.Status `json:"circuit_breaker"`
	RateLimit      RateLimitStatus       `json:"rate_limit"`
}

type ProviderHealth struct {
	Provider     string               `json:"provider"`
	Health       Health               `json:"health"`
	CircuitState circuitbreaker.State `json:"circuit_state"`
	ErrorRate    float64              `json:"error_rate"`
	Requests     int64                `json:"requests"`
}

type SystemStatus struct {
	Status    Health           `json:"status"`
	Providers []ProviderHealth `json:"providers"`
	CheckedAt time.Time        `json:"checked_at"`
}

type Monitor struct {
	providers   []string
	stats       *stats.Recorder
	breaker     circuitbreaker.Breaker
	limiter     ratelimit.Limiter
	statusHours int
	logger      *slog.Logger
	nowFunc     func() time.Time
}

type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.nowFunc = now
	}
}

// WithStatusHours sets how many hourly buckets SystemStatus considers.
func WithStatusHours(hours int) Option {
	return func(m *Monitor) {
		if hours > 0 {
			m.statusHours = hours
		}
	}
}

func New(providers []string, recorder *stats.Recorder, breaker circuitbreaker.Breaker, limiter ratelimit.Limiter, opts ...Option) *Monitor {
	m := &Monitor{
		providers:   slices.Sorted(slices.Values(providers)),
		stats:       recorder,
		breaker:     breaker,
		limiter:     limiter,
		statusHours: DefaultStatusHours,
		logger:      slog.Default(),
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) known(provider string) bool {
	return slices.Contains(m.providers, provider)
}

// ProviderMetrics combines the stats report with breaker and rate-limit
// state for userKey ("" means the global key).
func (m *Monitor) ProviderMetrics(ctx context.Context, provider string, hoursBack int, userKey string) (*ProviderMetrics, error) {
	if !m.known(provider) {
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, provider)
	}

	report, err := m.stats.Metrics(ctx, provider, hoursBack)
	if err != nil {
		return nil, err
	}

	return &ProviderMetrics{
		Report:         report,
		CircuitBreaker: m.breaker.Status(ctx, provider),
		RateLimit: RateLimitStatus{
			Limit:     m.limiter.Limit(),
			Remaining: m.limiter.RemainingRequests(ctx, provider, userKey),
			Available: m.limiter.CanMakeRequest(ctx, provider, userKey),
		},
	}, nil
}

// Classify maps breaker state and error rate to a health level.
func Classify(state circuitbreaker.State, errorRate float64) Health {
	switch {
	case state == circuitbreaker.StateOpen:
		return HealthCritical
	case errorRate > WarningErrorRate:
		return HealthWarning
	case errorRate > DegradedErrorRate:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

var severity = map[Health]int{
	HealthHealthy:  0,
	HealthDegraded: 1,
	HealthWarning:  2,
	HealthCritical: 3,
}

// SystemStatus reports every provider's health; the overall status is the
// worst of them. A provider whose metrics cannot be read is reported as
// warning.
func (m *Monitor) SystemStatus(ctx context.Context) *SystemStatus {
	status := &SystemStatus{
		Status:    HealthHealthy,
		Providers: make([]ProviderHealth, 0, len(m.providers)),
		CheckedAt: m.nowFunc().UTC(),
	}

	for _, provider := range m.providers {
		cb := m.breaker.Status(ctx, provider)
		ph := ProviderHealth{Provider: provider, CircuitState: cb.State}

		report, err := m.stats.Metrics(ctx, provider, m.statusHours)
		if err != nil {
			m.logger.Warn("provider metrics unavailable", "provider", provider, "error", err)
			ph.Health = HealthWarning
			if cb.State == circuitbreaker.StateOpen {
				ph.Health = HealthCritical
			}
		} else {
			ph.ErrorRate = report.Summary.ErrorRate
			ph.Requests = report.Summary.TotalRequests
			ph.Health = Classify(cb.State, ph.ErrorRate)
		}

		if severity[ph.Health] > severity[status.Status] {
			status.Status = ph.Health
		}
		status.Providers = append(status.Providers, ph)
	}

	return status
}

// ResetCircuitBreaker closes the provider's circuit regardless of the
// recovery window.
func (m *Monitor) ResetCircuitBreaker(ctx context.Context, provider string) (circuitbreaker.Status, error) {
	if !m.known(provider) {
		return circuitbreaker.Status{}, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, provider)
	}

	if err := m.breaker.ForceReset(ctx, provider); err != nil {
		return circuitbreaker.Status{}, err
	}

	m.logger.Info("circuit breaker reset by operator", "provider", provider)
	return m.breaker.Status(ctx, provider), nil
}

func (m *Monitor) Providers() []string {
	return slices.Clone(m.providers)
}

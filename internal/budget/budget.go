// Package budget caps what each user may spend on LLM calls per calendar
// month and raises alerts as spending approaches the cap.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/calllog"
	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

var alertLevels = []AlertLevel{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded}

type Alert struct {
	UserKey    string     `json:"user_key"`
	Level      AlertLevel `json:"level"`
	Budget     float64    `json:"budget_usd"`
	CurrentUse float64    `json:"current_use_usd"`
	Percentage float64    `json:"percentage"`
	Timestamp  time.Time  `json:"timestamp"`
}

type AlertHandler func(ctx context.Context, alert Alert)

// Thresholds are fractions of the monthly budget.
type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

type Config struct {
	// MonthlyUSD applies to every user without an override. Zero disables
	// the cap.
	MonthlyUSD float64
	Overrides  map[string]float64
	Thresholds Thresholds
}

type Guard struct {
	mu       sync.RWMutex
	calls    calllog.Log
	cfg      Config
	dedup    Deduplicator
	handlers []AlertHandler
	nowFunc  func() time.Time
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.nowFunc = now
	}
}

func WithDeduplicator(d Deduplicator) Option {
	return func(g *Guard) {
		if d != nil {
			g.dedup = d
		}
	}
}

func NewGuard(calls calllog.Log, cfg Config, opts ...Option) *Guard {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}

	g := &Guard{
		calls:   calls,
		cfg:     cfg,
		dedup:   NewInMemoryDeduplicator(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) OnAlert(handler AlertHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, handler)
}

// Limit is the monthly cap for userKey, or 0 when uncapped.
func (g *Guard) Limit(userKey string) float64 {
	if v, ok := g.cfg.Overrides[userKey]; ok {
		return v
	}
	return g.cfg.MonthlyUSD
}

func (g *Guard) monthStart() time.Time {
	now := g.nowFunc().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (g *Guard) spent(ctx context.Context, userKey string) (float64, error) {
	return g.calls.UserTotalCost(ctx, userKey, g.monthStart())
}

// Allow returns a wrapped domain.ErrBudgetExceeded when userKey has used up
// this month's budget.
func (g *Guard) Allow(ctx context.Context, userKey string) error {
	limit := g.Limit(userKey)
	if limit <= 0 || userKey == "" {
		return nil
	}

	spent, err := g.spent(ctx, userKey)
	if err != nil {
		return err
	}
	if spent >= limit {
		return fmt.Errorf("%w: %s spent $%.4f of $%.2f", domain.ErrBudgetExceeded, userKey, spent, limit)
	}
	return nil
}

// Check evaluates userKey against the thresholds and dispatches an alert
// the first time each level is reached. It returns nil when nothing new
// was raised.
func (g *Guard) Check(ctx context.Context, userKey string) (*Alert, error) {
	limit := g.Limit(userKey)
	if limit <= 0 || userKey == "" {
		return nil, nil
	}

	spent, err := g.spent(ctx, userKey)
	if err != nil {
		return nil, err
	}

	ratio := spent / limit

	var level AlertLevel
	switch {
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= g.cfg.Thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= g.cfg.Thresholds.Warning:
		level = AlertLevelWarning
	default:
		g.dedup.ClearAlert(ctx, userKey)
		return nil, nil
	}

	if !g.dedup.ShouldAlert(ctx, userKey, level) {
		return nil, nil
	}

	alert := &Alert{
		UserKey:    userKey,
		Level:      level,
		Budget:     limit,
		CurrentUse: spent,
		Percentage: ratio * 100,
		Timestamp:  g.nowFunc(),
	}

	g.mu.RLock()
	handlers := make([]AlertHandler, len(g.handlers))
	copy(handlers, g.handlers)
	g.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}
	return alert, nil
}

func LogAlertHandler(logger *slog.Logger) AlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, alert Alert) {
		logger.Warn("budget alert",
			"user", alert.UserKey,
			"level", alert.Level,
			"budget", alert.Budget,
			"current_use", alert.CurrentUse,
			"percentage", alert.Percentage,
		)
	}
}

// NotifyAlertHandler forwards alerts to n. Send failures are logged only.
func NotifyAlertHandler(n notifications.Notifier, logger *slog.Logger) AlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, alert Alert) {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		err := n.Send(sendCtx, notifications.Notification{
			Type:    notifications.NotificationBudgetAlert,
			Message: fmt.Sprintf("%s reached %.0f%% of the monthly LLM budget", alert.UserKey, alert.Percentage),
			Data: map[string]any{
				"user":        alert.UserKey,
				"level":       string(alert.Level),
				"budget_usd":  alert.Budget,
				"current_usd": alert.CurrentUse,
			},
			Timestamp: alert.Timestamp.UTC(),
		})
		if err != nil {
			logger.Warn("failed to send budget notification", "user", alert.UserKey, "error", err)
		}
	}
}

package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/store"
)

// Deduplicator makes sure each alert level is raised once per user, even
// when several instances evaluate the same user.
type Deduplicator interface {
	// ShouldAlert reports whether this is the first time level is raised
	// for userKey.
	ShouldAlert(ctx context.Context, userKey string, level AlertLevel) bool

	// ClearAlert forgets every raised level for userKey.
	ClearAlert(ctx context.Context, userKey string)
}

type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, userKey string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastAlerts[userKey]; ok && last == level {
		return false
	}
	d.lastAlerts[userKey] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, userKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, userKey)
}

// StoreDeduplicator keeps alert markers in the shared store. The first
// increment of a marker wins, so exactly one instance dispatches.
type StoreDeduplicator struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewStoreDeduplicator(s store.Store, ttl time.Duration, logger *slog.Logger) *StoreDeduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreDeduplicator{store: s, ttl: ttl, logger: logger}
}

func alertKey(userKey string, level AlertLevel) string {
	return fmt.Sprintf("budget:alert:%s:%s", userKey, level)
}

func (d *StoreDeduplicator) ShouldAlert(ctx context.Context, userKey string, level AlertLevel) bool {
	n, err := d.store.Increment(ctx, alertKey(userKey, level), 1, d.ttl)
	if err != nil {
		// Fail open: a duplicate alert beats a missing one.
		d.logger.Warn("budget alert dedup failed", "user", userKey, "error", err)
		return true
	}
	return n == 1
}

func (d *StoreDeduplicator) ClearAlert(ctx context.Context, userKey string) {
	for _, level := range alertLevels {
		if err := d.store.Forget(ctx, alertKey(userKey, level)); err != nil {
			d.logger.Warn("budget alert clear failed", "user", userKey, "error", err)
			return
		}
	}
}

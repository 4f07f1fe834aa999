package circuitbreaker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/store"
)

// record is the persisted form of one provider's circuit.
type record struct {
	State        State      `json:"status"`
	FailureCount int        `json:"failure_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	TrialAt      *time.Time `json:"trial_at,omitempty"`
}

// StoreBreaker keeps circuit state as JSON in a store.Store. Updates are
// read-then-write without locking, so two concurrent failures may be
// counted once. Use RedisBreaker when exact counts matter.
type StoreBreaker struct {
	store  store.Store
	config Config
	opts   options
}

// NewStoreBreaker creates a breaker persisting to s.
func NewStoreBreaker(s store.Store, cfg Config, opts ...Option) (*StoreBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &StoreBreaker{
		store:  s,
		config: cfg,
		opts:   buildOptions(opts),
	}, nil
}

func stateKey(provider string) string {
	return "cb:" + provider
}

func (b *StoreBreaker) load(ctx context.Context, provider string) (record, error) {
	data, ok, err := b.store.Get(ctx, stateKey(provider))
	if err != nil {
		return record{State: StateClosed}, err
	}
	if !ok {
		return record{State: StateClosed}, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{State: StateClosed}, err
	}
	rec.State = parseState(string(rec.State))
	return rec, nil
}

func (b *StoreBreaker) save(ctx context.Context, provider string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, stateKey(provider), data, b.config.StateTTL)
}

// IsOpen fails open: a store fault lets the call through.
func (b *StoreBreaker) IsOpen(ctx context.Context, provider string) bool {
	rec, err := b.load(ctx, provider)
	if err != nil {
		b.opts.logger.Warn("circuit breaker state unavailable", "provider", provider, "error", err)
		return false
	}

	now := b.opts.nowFunc()

	switch rec.State {
	case StateOpen:
		if rec.OpenedAt != nil && now.Sub(*rec.OpenedAt) < b.config.RecoveryWindow {
			return true
		}
		rec.State = StateHalfOpen
		rec.TrialAt = &now
		if err := b.save(ctx, provider, rec); err != nil {
			b.opts.logger.Warn("circuit breaker save failed", "provider", provider, "error", err)
		}
		b.opts.emit(ctx, Transition{Provider: provider, From: StateOpen, To: StateHalfOpen, FailureCount: rec.FailureCount})
		return false

	case StateHalfOpen:
		// A trial that never reported back is abandoned after one
		// recovery window and another is allowed.
		if rec.TrialAt != nil && now.Sub(*rec.TrialAt) < b.config.RecoveryWindow {
			return true
		}
		rec.TrialAt = &now
		if err := b.save(ctx, provider, rec); err != nil {
			b.opts.logger.Warn("circuit breaker save failed", "provider", provider, "error", err)
		}
		return false
	}

	return false
}

func (b *StoreBreaker) RecordSuccess(ctx context.Context, provider string) {
	rec, err := b.load(ctx, provider)
	if err != nil {
		b.opts.logger.Warn("circuit breaker state unavailable", "provider", provider, "error", err)
		return
	}

	// A late success from a call admitted before the circuit opened.
	if rec.State == StateOpen {
		return
	}

	from := rec.State
	if err := b.save(ctx, provider, record{State: StateClosed}); err != nil {
		b.opts.logger.Warn("circuit breaker save failed", "provider", provider, "error", err)
		return
	}
	b.opts.emit(ctx, Transition{Provider: provider, From: from, To: StateClosed})
}

func (b *StoreBreaker) RecordFailure(ctx context.Context, provider string) {
	rec, err := b.load(ctx, provider)
	if err != nil {
		b.opts.logger.Warn("circuit breaker state unavailable", "provider", provider, "error", err)
		return
	}

	now := b.opts.nowFunc()
	from := rec.State
	rec.FailureCount++

	switch rec.State {
	case StateClosed:
		if rec.FailureCount >= b.config.FailureThreshold {
			rec.State = StateOpen
			rec.OpenedAt = &now
		}
	case StateHalfOpen:
		rec.State = StateOpen
		rec.OpenedAt = &now
		rec.TrialAt = nil
	}

	if err := b.save(ctx, provider, rec); err != nil {
		b.opts.logger.Warn("circuit breaker save failed", "provider", provider, "error", err)
		return
	}
	b.opts.emit(ctx, Transition{Provider: provider, From: from, To: rec.State, FailureCount: rec.FailureCount})
}

func (b *StoreBreaker) Status(ctx context.Context, provider string) Status {
	rec, err := b.load(ctx, provider)
	if err != nil {
		b.opts.logger.Warn("circuit breaker state unavailable", "provider", provider, "error", err)
	}

	return Status{
		State:        rec.State,
		FailureCount: rec.FailureCount,
		OpenedAt:     rec.OpenedAt,
	}
}

func (b *StoreBreaker) ForceReset(ctx context.Context, provider string) error {
	rec, err := b.load(ctx, provider)
	if err != nil {
		rec = record{State: StateClosed}
	}

	if err := b.save(ctx, provider, record{State: StateClosed}); err != nil {
		return err
	}
	b.opts.emit(ctx, Transition{Provider: provider, From: rec.State, To: StateClosed})
	return nil
}

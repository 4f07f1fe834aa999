// Package circuitbreaker implements a per-provider circuit breaker whose
// state lives in shared storage, so every worker and instance sees the same
// health for a provider.
//
// States:
//   - closed: normal operation, calls pass through
//   - open: provider unhealthy, calls fail fast until the recovery window elapses
//   - half_open: one trial call is allowed to test recovery
//
// Implementations:
//   - StoreBreaker: JSON state in any store.Store, read-modify-write
//   - RedisBreaker: hash per provider, transitions applied atomically by Lua scripts
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Breaker is the contract the LLM client depends on.
type Breaker interface {
	// IsOpen reports whether calls to provider must be rejected. It is the
	// only method that moves an open circuit to half_open, and it must be
	// called before every provider invocation.
	IsOpen(ctx context.Context, provider string) bool

	RecordSuccess(ctx context.Context, provider string)
	RecordFailure(ctx context.Context, provider string)

	Status(ctx context.Context, provider string) Status

	// ForceReset closes the circuit and clears the failure count, ignoring
	// the recovery window.
	ForceReset(ctx context.Context, provider string) error
}

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func parseState(s string) State {
	switch s {
	case string(StateOpen):
		return StateOpen
	case string(StateHalfOpen):
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Status is the externally visible health of one provider.
type Status struct {
	State        State      `json:"status"`
	FailureCount int        `json:"failure_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

// Config defines breaker behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryWindow   time.Duration // time open before a trial call is allowed
	StateTTL         time.Duration // lifetime of idle state in the store
}

var (
	ErrInvalidThreshold = errors.New("circuitbreaker: failure threshold must be positive")
	ErrInvalidRecovery  = errors.New("circuitbreaker: recovery window must be positive")
	ErrStateTTLTooShort = errors.New("circuitbreaker: state ttl must exceed recovery window")
)

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryWindow:   10 * time.Minute,
		StateTTL:         time.Hour,
	}
}

func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return ErrInvalidThreshold
	}
	if c.RecoveryWindow <= 0 {
		return ErrInvalidRecovery
	}
	if c.StateTTL <= c.RecoveryWindow {
		return ErrStateTTLTooShort
	}
	return nil
}

// Transition describes a change of state for one provider.
type Transition struct {
	Provider     string
	From         State
	To           State
	FailureCount int
}

// StateChangeFunc is invoked after a transition has been persisted.
type StateChangeFunc func(ctx context.Context, t Transition)

type options struct {
	logger   *slog.Logger
	nowFunc  func() time.Time
	onChange []StateChangeFunc
}

// Option configures a breaker.
type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.nowFunc = now
	}
}

// OnStateChange registers fn to be called on every transition.
func OnStateChange(fn StateChangeFunc) Option {
	return func(o *options) {
		o.onChange = append(o.onChange, fn)
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) emit(ctx context.Context, t Transition) {
	if t.From == t.To {
		return
	}

	o.logger.Info("circuit breaker state changed",
		"provider", t.Provider,
		"from", t.From,
		"to", t.To,
		"failure_count", t.FailureCount,
	)

	for _, fn := range o.onChange {
		fn(ctx, t)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/finance-assistant/internal/api"
	"github.com/felipepmaragno/finance-assistant/internal/budget"
	"github.com/felipepmaragno/finance-assistant/internal/cache"
	"github.com/felipepmaragno/finance-assistant/internal/calllog"
	"github.com/felipepmaragno/finance-assistant/internal/circuitbreaker"
	"github.com/felipepmaragno/finance-assistant/internal/config"
	"github.com/felipepmaragno/finance-assistant/internal/cost"
	"github.com/felipepmaragno/finance-assistant/internal/crypto"
	"github.com/felipepmaragno/finance-assistant/internal/llm"
	"github.com/felipepmaragno/finance-assistant/internal/metrics"
	"github.com/felipepmaragno/finance-assistant/internal/monitor"
	"github.com/felipepmaragno/finance-assistant/internal/notifications"
	"github.com/felipepmaragno/finance-assistant/internal/ratelimit"
	"github.com/felipepmaragno/finance-assistant/internal/registry"
	"github.com/felipepmaragno/finance-assistant/internal/retry"
	"github.com/felipepmaragno/finance-assistant/internal/secrets"
	"github.com/felipepmaragno/finance-assistant/internal/stats"
	"github.com/felipepmaragno/finance-assistant/internal/store"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	breaker  circuitbreaker.Breaker
	limiter  ratelimit.Limiter
	stats    *stats.Recorder
	calls    calllog.Log
	clients  *llm.Set
	monitor  *monitor.Monitor
	budget   *budget.Guard
	checkers []api.HealthChecker
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	redisClient, err := a.openStore()
	if err != nil {
		return nil, err
	}

	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	breakerOpts := []circuitbreaker.Option{
		circuitbreaker.WithLogger(logger),
		circuitbreaker.OnStateChange(func(_ context.Context, t circuitbreaker.Transition) {
			metrics.SetCircuitBreakerState(t.Provider, string(t.To))
		}),
		circuitbreaker.OnStateChange(notifications.BreakerHook(notifier, logger)),
	}
	if redisClient != nil && cfg.CircuitBreaker.Atomic {
		a.breaker, err = circuitbreaker.NewRedisBreaker(redisClient, cfg.BreakerConfig(), breakerOpts...)
	} else {
		a.breaker, err = circuitbreaker.NewStoreBreaker(a.store, cfg.BreakerConfig(), breakerOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("circuit breaker: %w", err)
	}

	if redisClient != nil && cfg.RateLimit.Sliding {
		a.limiter, err = ratelimit.NewSlidingWindow(redisClient, cfg.RateLimitConfig(), ratelimit.WithLogger(logger))
	} else {
		a.limiter, err = ratelimit.NewFixedWindow(a.store, cfg.RateLimitConfig(), ratelimit.WithLogger(logger))
	}
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	a.stats = stats.NewRecorder(a.store, cfg.StatsConfig(), stats.WithLogger(logger))

	if err := a.openCallLog(ctx); err != nil {
		return nil, err
	}

	secretStore, err := newSecretStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Load(ctx, cfg.ProviderConfigs(), cfg.LLM.DefaultProvider, secretStore, logger)
	if err != nil {
		return nil, err
	}

	responseCache, err := newCache(a.store, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	a.clients, err = llm.NewSet(reg, llm.Dependencies{
		Breaker: a.breaker,
		Limiter: a.limiter,
		Retry:   retry.New(cfg.RetryPolicy(), retry.WithLogger(logger)),
		Stats:   a.stats,
		Cache:   responseCache,
		CallLog: a.calls,
		Costs:   cost.NewCalculator(),
	}, cfg.ClientConfig(), llm.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a.monitor = monitor.New(a.clients.Names(), a.stats, a.breaker, a.limiter,
		monitor.WithLogger(logger),
		monitor.WithStatusHours(cfg.Metrics.StatusHours),
	)

	if cfg.Budget.MonthlyUSD > 0 || len(cfg.Budget.Overrides) > 0 {
		a.budget = budget.NewGuard(a.calls, cfg.BudgetConfig(),
			budget.WithDeduplicator(budget.NewStoreDeduplicator(a.store, cfg.Budget.AlertTTL, logger)),
		)
		a.budget.OnAlert(budget.LogAlertHandler(logger))
		a.budget.OnAlert(budget.NotifyAlertHandler(notifier, logger))
	}

	return a, nil
}

// openStore returns the Redis client when the shared store is Redis.
func (a *app) openStore() (*redis.Client, error) {
	if a.cfg.Redis.URL == "" {
		mem := store.NewMemory()
		a.store = mem
		a.closers = append(a.closers, mem.Close)
		a.checkers = append(a.checkers, api.NewPingChecker("store", mem))
		a.logger.Info("using in-memory store")
		return nil, nil
	}

	rs, err := store.NewRedis(a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.store = rs
	a.closers = append(a.closers, rs.Close)
	a.checkers = append(a.checkers, api.NewPingChecker("redis", rs))
	a.logger.Info("using redis store")
	return rs.Client(), nil
}

func (a *app) openCallLog(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.calls = calllog.NewInMemoryLog()
		a.logger.Info("using in-memory call log")
		return nil
	}

	db, err := calllog.OpenPostgres(ctx, a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	pg := calllog.NewPostgresLog(db)
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate call log: %w", err)
	}
	a.calls = pg
	a.checkers = append(a.checkers, api.NewPingChecker("postgres", pg))
	a.logger.Info("using postgres call log")
	return nil
}

func newNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notifications.Notifier, error) {
	var out notifications.Multi

	if arn := cfg.Notifications.TopicARN; arn != "" {
		n, err := notifications.NewSNSNotifier(ctx, cfg.AWS.Region, arn, logger)
		if err != nil {
			return nil, fmt.Errorf("sns notifier: %w", err)
		}
		logger.Info("publishing notifications to sns", "topic", arn)
		out = append(out, n)
	}

	if url := cfg.Notifications.QueueURL; url != "" {
		n, err := notifications.NewSQSNotifier(ctx, cfg.AWS.Region, url, logger)
		if err != nil {
			return nil, fmt.Errorf("sqs notifier: %w", err)
		}
		logger.Info("queueing notifications to sqs", "queue", url)
		out = append(out, n)
	}

	switch len(out) {
	case 0:
		return notifications.NewLogNotifier(logger), nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

func newCache(s store.Store, cfg config.CacheConfig, logger *slog.Logger) (*cache.StoreCache, error) {
	if cfg.EncryptionKey == "" {
		return cache.NewStoreCache(s, logger), nil
	}

	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("cache encryption: %w", err)
	}
	return cache.NewStoreCache(s, logger, cache.WithSealer(enc)), nil
}

func newSecretStore(ctx context.Context, cfg *config.Config) (secrets.SecretStore, error) {
	if cfg.Secrets.Backend != "aws" {
		return nil, nil
	}

	sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, fmt.Errorf("secrets manager: %w", err)
	}
	sm.SetCacheTTL(cfg.Secrets.CacheTTL)
	return sm, nil
}

func (a *app) handler() *api.Handler {
	return api.NewHandler(api.HandlerConfig{
		Clients:  a.clients,
		Monitor:  a.monitor,
		CallLog:  a.calls,
		Budget:   a.budget,
		Checkers: a.checkers,
		Logger:   a.logger,
		Version:  version,
	})
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// Package llm is the entry point business code uses to reach a language
// model. Every call goes through the same pipeline:
//
//	cache -> rate limit -> circuit breaker -> retry(adapter, per-attempt timeout)
//	      -> bookkeeping (breaker, stats, rate counter, metrics, call log) -> cache write
//
// Concurrent identical cacheable calls share one upstream request.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/felipepmaragno/finance-assistant/internal/cache"
	"github.com/felipepmaragno/finance-assistant/internal/calllog"
	"github.com/felipepmaragno/finance-assistant/internal/circuitbreaker"
	"github.com/felipepmaragno/finance-assistant/internal/cost"
	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/metrics"
	"github.com/felipepmaragno/finance-assistant/internal/provider"
	"github.com/felipepmaragno/finance-assistant/internal/ratelimit"
	"github.com/felipepmaragno/finance-assistant/internal/retry"
	"github.com/felipepmaragno/finance-assistant/internal/stats"
	"github.com/felipepmaragno/finance-assistant/internal/telemetry"
)

const (
	operationText       = "generate_text"
	operationEmbeddings = "generate_embeddings"

	embeddingModelLabel = "embedding"
)

type Config struct {
	CacheEnabled bool
	CacheTTL     time.Duration
	// DefaultTimeout bounds each attempt when neither the call nor the
	// adapter sets one.
	DefaultTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CacheEnabled:   true,
		CacheTTL:       24 * time.Hour,
		DefaultTimeout: 30 * time.Second,
	}
}

// Dependencies are the shared components a client is built from. Cache,
// CallLog and Costs are optional.
type Dependencies struct {
	Breaker circuitbreaker.Breaker
	Limiter ratelimit.Limiter
	Retry   *retry.Handler
	Stats   *stats.Recorder
	Cache   cache.Cache
	CallLog calllog.Log
	Costs   *cost.Calculator
}

func (d Dependencies) validate() error {
	switch {
	case d.Breaker == nil:
		return fmt.Errorf("%w: llm client requires a circuit breaker", domain.ErrConfiguration)
	case d.Limiter == nil:
		return fmt.Errorf("%w: llm client requires a rate limiter", domain.ErrConfiguration)
	case d.Retry == nil:
		return fmt.Errorf("%w: llm client requires a retry handler", domain.ErrConfiguration)
	case d.Stats == nil:
		return fmt.Errorf("%w: llm client requires a stats recorder", domain.ErrConfiguration)
	}
	return nil
}

// Result is the outcome of one logical call.
type Result struct {
	Text      string        `json:"text,omitempty"`
	Embedding []float64     `json:"embedding,omitempty"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Usage     domain.Usage  `json:"usage"`
	Cached    bool          `json:"cached"`
	CostUSD   float64       `json:"cost_usd"`
	Latency   time.Duration `json:"-"`
	RequestID string        `json:"request_id"`
}

type Client struct {
	adapter provider.Adapter
	deps    Dependencies
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time
	group   singleflight.Group
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.nowFunc = now
	}
}

func New(adapter provider.Adapter, deps Dependencies, cfg Config, opts ...Option) (*Client, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: llm client requires an adapter", domain.ErrConfiguration)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Costs == nil {
		deps.Costs = cost.NewCalculator()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}

	c := &Client{
		adapter: adapter,
		deps:    deps,
		cfg:     cfg,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("provider", adapter.Name())
	return c, nil
}

func (c *Client) Provider() string {
	return c.adapter.Name()
}

// Model is the adapter's configured model, or "" when it does not say.
func (c *Client) Model() string {
	if d, ok := c.adapter.(provider.Describer); ok {
		return d.Model()
	}
	return ""
}

func (c *Client) timeout(opts domain.GenerateOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if d, ok := c.adapter.(provider.Describer); ok && d.Timeout() > 0 {
		return d.Timeout()
	}
	return c.cfg.DefaultTimeout
}

func (c *Client) cacheable(opts domain.GenerateOptions) bool {
	return c.deps.Cache != nil && c.cfg.CacheEnabled && !opts.SkipCache
}

// GenerateText returns only the generated text.
func (c *Client) GenerateText(ctx context.Context, prompt string, opts domain.GenerateOptions) (string, error) {
	res, err := c.Generate(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Generate runs a text generation through the full pipeline.
func (c *Client) Generate(ctx context.Context, prompt string, opts domain.GenerateOptions) (*Result, error) {
	model := opts.Model
	if model == "" {
		model = c.Model()
	}

	req := request{
		operation: operationText,
		model:     model,
		opts:      opts,
		invoke: func(ctx context.Context) (*cache.Entry, error) {
			comp, err := c.adapter.GenerateText(ctx, prompt, opts.SystemPrompt, opts)
			if err != nil {
				return nil, err
			}
			if comp.Model == "" {
				comp.Model = model
			}
			return &cache.Entry{Text: comp.Text, Model: comp.Model, Usage: comp.Usage}, nil
		},
	}
	if c.cacheable(opts) {
		req.key = cache.GenerateKey(cache.KindText, c.adapter.Name(), model, prompt, opts.SystemPrompt, opts)
	}

	return c.run(ctx, req)
}

// GenerateEmbeddings returns the embedding vector of text.
func (c *Client) GenerateEmbeddings(ctx context.Context, text string) ([]float64, error) {
	res, err := c.Embed(ctx, text, domain.GenerateOptions{})
	if err != nil {
		return nil, err
	}
	return res.Embedding, nil
}

// Embed is GenerateEmbeddings with per-call options; only UserKey,
// RequestID, Timeout and SkipCache apply.
func (c *Client) Embed(ctx context.Context, text string, opts domain.GenerateOptions) (*Result, error) {
	req := request{
		operation: operationEmbeddings,
		model:     embeddingModelLabel,
		opts:      opts,
		invoke: func(ctx context.Context) (*cache.Entry, error) {
			vec, err := c.adapter.GenerateEmbeddings(ctx, text)
			if err != nil {
				return nil, err
			}
			return &cache.Entry{Embedding: vec, Model: embeddingModelLabel}, nil
		},
	}
	if c.cacheable(opts) {
		req.key = cache.GenerateKey(cache.KindEmbedding, c.adapter.Name(), embeddingModelLabel, text, "", domain.GenerateOptions{})
	}

	return c.run(ctx, req)
}

type request struct {
	operation string
	model     string
	key       string
	opts      domain.GenerateOptions
	invoke    func(ctx context.Context) (*cache.Entry, error)
}

// outcome is what the upstream part of the pipeline produces. It is shared
// between collapsed callers and must not be mutated.
type outcome struct {
	entry   *cache.Entry
	costUSD float64
	latency time.Duration
}

func (c *Client) run(ctx context.Context, req request) (*Result, error) {
	start := c.nowFunc()
	name := c.adapter.Name()

	userKey := req.opts.UserKey
	if userKey == "" {
		userKey = domain.GlobalUserKey
	}
	requestID := req.opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, span := telemetry.StartCall(ctx, telemetry.Call{
		Operation: req.operation,
		Provider:  name,
		Model:     req.model,
		UserKey:   userKey,
		RequestID: requestID,
	})
	defer span.End()

	logger := c.logger.With("request_id", requestID, "operation", req.operation)
	bookkeeping := context.WithoutCancel(ctx)

	if req.key != "" {
		if entry, ok := c.deps.Cache.Get(ctx, req.key); ok {
			metrics.RecordCacheHit(name)
			span.CacheLookup(true)

			res := c.result(entry, requestID, true, 0, c.nowFunc().Sub(start))
			c.log(bookkeeping, req, res, userKey, calllog.StatusCached, "")
			logger.Debug("cache hit", "model", res.Model)
			return res, nil
		}
		metrics.RecordCacheMiss(name)
		span.CacheLookup(false)
	}

	if !c.deps.Limiter.CanMakeRequest(ctx, name, userKey) {
		metrics.RecordRateLimitHit(name)
		logger.Warn("rate limit exceeded", "user_key", userKey, "limit", c.deps.Limiter.Limit())

		err := fmt.Errorf("%w: %s for user %s (limit %d)", domain.ErrRateLimitExceeded, name, userKey, c.deps.Limiter.Limit())
		c.fail(bookkeeping, span, req, userKey, requestID, err, c.nowFunc().Sub(start))
		return nil, err
	}

	out, err := c.upstream(ctx, req, logger)
	if !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		c.deps.Limiter.RecordRequest(bookkeeping, name, userKey)
	}
	if err != nil {
		c.fail(bookkeeping, span, req, userKey, requestID, err, c.nowFunc().Sub(start))
		return nil, err
	}

	res := c.result(out.entry, requestID, false, out.costUSD, out.latency)
	span.Succeeded(res.Usage, res.CostUSD)
	c.log(bookkeeping, req, res, userKey, calllog.StatusSuccess, "")
	return res, nil
}

// upstream collapses identical cacheable calls. The shared call is detached
// from any single caller's cancellation; each caller still stops waiting
// when its own context ends.
func (c *Client) upstream(ctx context.Context, req request, logger *slog.Logger) (*outcome, error) {
	if req.key == "" {
		return c.execute(ctx, req, logger)
	}

	ch := c.group.DoChan(req.key, func() (any, error) {
		return c.execute(context.WithoutCancel(ctx), req, logger)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			logger.Debug("joined in-flight request")
		}
		return r.Val.(*outcome), nil
	}
}

// execute makes one admitted upstream call and records its outcome.
func (c *Client) execute(ctx context.Context, req request, logger *slog.Logger) (*outcome, error) {
	name := c.adapter.Name()

	if c.deps.Breaker.IsOpen(ctx, name) {
		metrics.RecordCircuitRejection(name)
		logger.Warn("circuit breaker open, rejecting call")
		return nil, fmt.Errorf("%w: %s", domain.ErrCircuitBreakerOpen, name)
	}

	timeout := c.timeout(req.opts)
	start := c.nowFunc()
	attempt := 0

	entry, err := retry.Do(ctx, c.deps.Retry, func(ctx context.Context) (*cache.Entry, error) {
		attempt++
		if attempt > 1 {
			metrics.RecordRetry(name)
			telemetry.Retry(ctx, attempt)
		}
		return c.attempt(ctx, req, timeout)
	})
	latency := c.nowFunc().Sub(start)
	bookkeeping := context.WithoutCancel(ctx)

	if err != nil {
		errorType := domain.ErrorType(err)
		if reflectsProviderHealth(err) {
			c.deps.Breaker.RecordFailure(bookkeeping, name)
		}
		c.deps.Stats.RecordRequest(bookkeeping, name, stats.Metadata{Latency: latency})
		c.deps.Stats.RecordError(bookkeeping, name, errorType, stats.Metadata{Latency: latency})
		metrics.RecordRequest(name, req.model, "error", latency.Seconds())
		metrics.RecordProviderError(name, errorType)

		logger.Error("llm call failed",
			"model", req.model,
			"attempts", attempt,
			"error_type", errorType,
			"latency", latency,
			"error", err,
		)
		return nil, err
	}

	c.deps.Breaker.RecordSuccess(bookkeeping, name)

	md := stats.Metadata{Latency: latency}
	if !entry.Usage.IsZero() {
		usage := entry.Usage
		md.Tokens = &usage
	}
	c.deps.Stats.RecordRequest(bookkeeping, name, md)

	costUSD := c.deps.Costs.Calculate(entry.Model, entry.Usage)
	metrics.RecordRequest(name, entry.Model, "success", latency.Seconds())
	metrics.RecordTokens(name, entry.Model, entry.Usage.PromptTokens, entry.Usage.CompletionTokens)
	metrics.RecordCost(name, entry.Model, costUSD)

	if req.key != "" {
		entry.CachedAt = c.nowFunc().UTC()
		if err := c.deps.Cache.Set(bookkeeping, req.key, entry, c.cfg.CacheTTL); err != nil {
			logger.Warn("failed to cache response", "error", err)
		}
	}

	logger.Info("llm call completed",
		"model", entry.Model,
		"attempts", attempt,
		"latency", latency,
		"total_tokens", entry.Usage.TotalTokens,
	)
	return &outcome{entry: entry, costUSD: costUSD, latency: latency}, nil
}

// attempt bounds one adapter invocation. An attempt that runs out of time
// while the caller is still waiting is reported as a retryable connection
// timeout.
// reflectsProviderHealth reports whether a failed call should count against
// the provider's circuit. Cancellation, missing capabilities and bad local
// configuration say nothing about whether the provider is up.
func reflectsProviderHealth(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrEmbeddingsUnsupported),
		errors.Is(err, domain.ErrConfiguration):
		return false
	}
	return true
}

func (c *Client) attempt(ctx context.Context, req request, timeout time.Duration) (*cache.Entry, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entry, err := req.invoke(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s connection timeout after %s: %w",
			domain.ErrProviderUnavailable, c.adapter.Name(), timeout, err)
	}
	return entry, err
}

func (c *Client) result(entry *cache.Entry, requestID string, cached bool, costUSD float64, latency time.Duration) *Result {
	res := &Result{
		Text:      entry.Text,
		Provider:  c.adapter.Name(),
		Model:     entry.Model,
		Usage:     entry.Usage,
		Cached:    cached,
		CostUSD:   costUSD,
		Latency:   latency,
		RequestID: requestID,
	}
	if len(entry.Embedding) > 0 {
		res.Embedding = append([]float64(nil), entry.Embedding...)
	}
	return res
}

func (c *Client) fail(ctx context.Context, span *telemetry.CallSpan, req request, userKey, requestID string, err error, latency time.Duration) {
	errorType := domain.ErrorType(err)
	span.Failed(errorType, err)

	c.log(ctx, req, &Result{
		Provider:  c.adapter.Name(),
		Model:     req.model,
		Latency:   latency,
		RequestID: requestID,
	}, userKey, calllog.StatusError, errorType)
}

func (c *Client) log(ctx context.Context, req request, res *Result, userKey, status, errorType string) {
	if c.deps.CallLog == nil {
		return
	}

	err := c.deps.CallLog.Record(ctx, calllog.Record{
		RequestID:        res.RequestID,
		UserKey:          userKey,
		Provider:         res.Provider,
		Model:            res.Model,
		Operation:        req.operation,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		CostUSD:          res.CostUSD,
		Cached:           res.Cached,
		LatencyMs:        res.Latency.Milliseconds(),
		Status:           status,
		ErrorType:        errorType,
		Timestamp:        c.nowFunc().UTC(),
	})
	if err != nil {
		c.logger.Warn("failed to record llm call", "request_id", res.RequestID, "error", err)
	}
}

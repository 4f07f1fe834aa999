package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/finance-assistant/internal/budget"
	"github.com/felipepmaragno/finance-assistant/internal/calllog"
	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/llm"
	"github.com/felipepmaragno/finance-assistant/internal/metrics"
	"github.com/felipepmaragno/finance-assistant/internal/monitor"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserID    = "X-User-ID"
	HeaderProvider  = "X-Provider"
	HeaderSkipCache = "X-Skip-Cache"
)

const (
	defaultMetricsHours = 24
	maxMetricsHours     = 24 * 7
	defaultUsageWindow  = 30 * 24 * time.Hour
)

type HandlerConfig struct {
	Clients *llm.Set
	Monitor *monitor.Monitor
	CallLog calllog.Log
	// Budget is optional; nil leaves spending uncapped.
	Budget   *budget.Guard
	Checkers []HealthChecker
	Logger   *slog.Logger
	Version  string
}

type Handler struct {
	clients *llm.Set
	monitor *monitor.Monitor
	calls   calllog.Log
	budget  *budget.Guard
	logger  *slog.Logger
	mux     *http.ServeMux
	nowFunc func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		clients: cfg.Clients,
		monitor: cfg.Monitor,
		calls:   cfg.CallLog,
		budget:  cfg.Budget,
		logger:  logger,
		mux:     http.NewServeMux(),
		nowFunc: time.Now,
	}

	h.mux.HandleFunc("POST /v1/chat", h.handleChat)
	h.mux.HandleFunc("POST /v1/embeddings", h.handleEmbeddings)
	h.mux.HandleFunc("GET /v1/llm/metrics/{provider}", h.handleProviderMetrics)
	h.mux.HandleFunc("GET /v1/llm/status", h.handleStatus)
	h.mux.HandleFunc("POST /v1/llm/circuit-breakers/{provider}/reset", h.handleResetBreaker)
	h.mux.HandleFunc("GET /v1/llm/usage/{user}", h.handleUsage)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, 5*time.Second, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.IncrementActiveRequests()
	defer metrics.DecrementActiveRequests()

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
		r.Header.Set(HeaderRequestID, requestID)
	}
	w.Header().Set(HeaderRequestID, requestID)

	h.mux.ServeHTTP(w, r)
}

type chatRequest struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	Stop         []string `json:"stop,omitempty"`
	// Format asks for structured output: json, markdown, html or csv.
	Format string `json:"format,omitempty"`
	// TimeoutSeconds overrides the per-attempt timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type chatResponse struct {
	*llm.Result
	Format string `json:"format,omitempty"`
	Output any    `json:"output,omitempty"`
}

type embeddingsRequest struct {
	Input string `json:"input"`
}

func (h *Handler) options(r *http.Request) domain.GenerateOptions {
	return domain.GenerateOptions{
		UserKey:   r.Header.Get(HeaderUserID),
		RequestID: r.Header.Get(HeaderRequestID),
		SkipCache: r.Header.Get(HeaderSkipCache) == "true",
	}
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	opts := h.options(r)
	opts.Model = req.Model
	opts.SystemPrompt = req.SystemPrompt
	opts.Temperature = req.Temperature
	opts.MaxTokens = req.MaxTokens
	opts.TopP = req.TopP
	opts.Stop = req.Stop
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	client, err := h.clients.Select(r.Header.Get(HeaderProvider), req.Model)
	if err != nil {
		h.writeCallError(w, err, opts.RequestID)
		return
	}

	if err := h.allow(ctx, opts.UserKey); err != nil {
		h.writeCallError(w, err, opts.RequestID)
		return
	}

	if req.Format != "" {
		h.handleStructured(ctx, w, client, req, opts)
		return
	}

	res, err := client.Generate(ctx, req.Prompt, opts)
	if err != nil {
		h.writeCallError(w, err, opts.RequestID)
		return
	}
	h.checkBudget(ctx, opts.UserKey)

	h.logger.Info("chat completed",
		"request_id", opts.RequestID,
		"user", opts.UserKey,
		"provider", res.Provider,
		"model", res.Model,
		"cached", res.Cached,
		"latency_ms", res.Latency.Milliseconds(),
	)

	writeCacheHeader(w, res.Cached)
	writeJSON(w, http.StatusOK, chatResponse{Result: res})
}

func (h *Handler) handleStructured(ctx context.Context, w http.ResponseWriter, client *llm.Client, req chatRequest, opts domain.GenerateOptions) {
	format, err := llm.ParseFormat(req.Format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, output, err := client.GenerateStructured(ctx, req.Prompt, format, opts)
	if err != nil {
		h.writeCallError(w, err, opts.RequestID)
		return
	}
	h.checkBudget(ctx, opts.UserKey)

	h.logger.Info("structured chat completed",
		"request_id", res.RequestID,
		"user", opts.UserKey,
		"provider", res.Provider,
		"format", format,
		"cached", res.Cached,
	)

	// Text duplicates Output.
	res.Text = ""
	writeCacheHeader(w, res.Cached)
	writeJSON(w, http.StatusOK, chatResponse{
		Result: res,
		Format: string(format),
		Output: output,
	})
}

func (h *Handler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	opts := h.options(r)

	client, err := h.clients.Select(r.Header.Get(HeaderProvider), "")
	if err != nil {
		h.writeCallError(w, err, opts.RequestID)
		return
	}

	if err := h.allow(r.Context(), opts.UserKey); err != nil {
		h.writeCallError(w, err, opts.RequestID)
		return
	}

	res, err := client.Embed(r.Context(), req.Input, opts)
	if err != nil {
		h.writeCallError(w, err, opts.RequestID)
		return
	}
	h.checkBudget(r.Context(), opts.UserKey)

	writeCacheHeader(w, res.Cached)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleProviderMetrics(w http.ResponseWriter, r *http.Request) {
	hours := defaultMetricsHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxMetricsHours {
			writeError(w, http.StatusBadRequest, "hours must be between 1 and 168")
			return
		}
		hours = n
	}

	report, err := h.monitor.ProviderMetrics(r.Context(), r.PathValue("provider"), hours, r.Header.Get(HeaderUserID))
	if err != nil {
		h.writeCallError(w, err, r.Header.Get(HeaderRequestID))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.SystemStatus(r.Context()))
}

func (h *Handler) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	status, err := h.monitor.ResetCircuitBreaker(r.Context(), provider)
	if err != nil {
		h.writeCallError(w, err, r.Header.Get(HeaderRequestID))
		return
	}

	h.logger.Info("circuit breaker reset via api", "provider", provider, "request_id", r.Header.Get(HeaderRequestID))
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":        provider,
		"circuit_breaker": status,
	})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if h.calls == nil {
		writeError(w, http.StatusNotFound, "call log not configured")
		return
	}

	since := h.nowFunc().Add(-defaultUsageWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = t
	}

	usage, err := calllog.Summarize(r.Context(), h.calls, r.PathValue("user"), since)
	if err != nil {
		h.writeCallError(w, err, r.Header.Get(HeaderRequestID))
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) allow(ctx context.Context, userKey string) error {
	if h.budget == nil {
		return nil
	}
	return h.budget.Allow(ctx, userKey)
}

// checkBudget raises spend alerts after a successful call. Failures are
// logged only.
func (h *Handler) checkBudget(ctx context.Context, userKey string) {
	if h.budget == nil {
		return
	}
	if _, err := h.budget.Check(context.WithoutCancel(ctx), userKey); err != nil {
		h.logger.Warn("budget check failed", "user", userKey, "error", err)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrProviderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrEmbeddingsUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrRetryExhausted),
		errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrAuth),
		errors.Is(err, domain.ErrInvalidResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeCallError(w http.ResponseWriter, err error, requestID string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "status", status, "request_id", requestID)
	} else {
		h.logger.Warn("request rejected", "error", err, "status", status, "request_id", requestID)
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeErrorTyped(w, status, message, domain.ErrorType(err))
}

func writeCacheHeader(w http.ResponseWriter, cached bool) {
	if cached {
		w.Header().Set("X-Cache", "HIT")
		return
	}
	w.Header().Set("X-Cache", "MISS")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorTyped(w, status, message, "invalid_request")
}

func writeErrorTyped(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

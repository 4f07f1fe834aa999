// Package metrics exposes Prometheus collectors for LLM calls. These are
// process-local and complement the hourly buckets kept in the shared store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_llm_requests_total",
			Help: "Total number of LLM calls by outcome",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assistant_llm_request_duration_seconds",
			Help:    "LLM call duration in seconds, retries included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_llm_tokens_total",
			Help: "Total number of tokens consumed",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_llm_cost_usd_total",
			Help: "Estimated LLM spend in USD",
		},
		[]string{"provider", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_llm_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"provider"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_llm_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assistant_llm_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_llm_circuit_breaker_rejections_total",
			Help: "Calls rejected because the circuit was open",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_llm_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_llm_rate_limit_hits_total",
			Help: "Calls rejected by the hourly quota",
		},
		[]string{"provider"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_llm_retries_total",
			Help: "Retry attempts issued after a retryable failure",
		},
		[]string{"provider"},
	)

	ActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assistant_active_requests",
			Help: "Number of HTTP requests being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assistant_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordRequest(provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordCacheHit(provider string) {
	CacheHits.WithLabelValues(provider).Inc()
}

func RecordCacheMiss(provider string) {
	CacheMisses.WithLabelValues(provider).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRateLimitHit(provider string) {
	RateLimitHits.WithLabelValues(provider).Inc()
}

func RecordCircuitRejection(provider string) {
	CircuitBreakerRejections.WithLabelValues(provider).Inc()
}

func RecordRetry(provider string) {
	RetriesTotal.WithLabelValues(provider).Inc()
}

// SetCircuitBreakerState accepts "closed", "half_open" or "open".
func SetCircuitBreakerState(provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(provider).Set(v)
}

var currentPodName string

// InitInstanceMetrics must be called once at startup.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveRequests() {
	ActiveRequests.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveRequests() {
	ActiveRequests.WithLabelValues(currentPodName).Dec()
}

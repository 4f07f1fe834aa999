package domain

import (
	"context"
	"errors"
)

var (
	ErrConfiguration         = errors.New("provider configuration error")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrAuth                  = errors.New("provider authentication failed")
	ErrInvalidResponse       = errors.New("invalid provider response")
	ErrEmbeddingsUnsupported = errors.New("embeddings not supported by provider")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrRetryExhausted        = errors.New("retries exhausted")
	ErrParse                 = errors.New("structured output parse error")
	ErrProviderNotFound      = errors.New("provider not found")
	ErrBudgetExceeded        = errors.New("monthly llm budget exceeded")
)

// Error type labels used by metrics and the call log.
const (
	ErrorTypeConfiguration = "configuration"
	ErrorTypeUnavailable   = "provider_unavailable"
	ErrorTypeAuth          = "auth_error"
	ErrorTypeInvalid       = "invalid_response"
	ErrorTypeUnsupported   = "unsupported"
	ErrorTypeRateLimited   = "rate_limited"
	ErrorTypeCircuitOpen   = "circuit_open"
	ErrorTypeBudget        = "budget_exceeded"
	ErrorTypeTimeout       = "timeout"
	ErrorTypeCanceled      = "canceled"
	ErrorTypeUnknown       = "unknown"
)

// ErrorTypes lists every label ErrorType can return.
var ErrorTypes = []string{
	ErrorTypeConfiguration,
	ErrorTypeUnavailable,
	ErrorTypeAuth,
	ErrorTypeInvalid,
	ErrorTypeUnsupported,
	ErrorTypeRateLimited,
	ErrorTypeCircuitOpen,
	ErrorTypeBudget,
	ErrorTypeTimeout,
	ErrorTypeCanceled,
	ErrorTypeUnknown,
}

// ErrorType maps an error to a stable label. Deadline errors win over the
// provider error they may be wrapped in.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, ErrRateLimitExceeded):
		return ErrorTypeRateLimited
	case errors.Is(err, ErrCircuitBreakerOpen):
		return ErrorTypeCircuitOpen
	case errors.Is(err, ErrBudgetExceeded):
		return ErrorTypeBudget
	case errors.Is(err, ErrConfiguration):
		return ErrorTypeConfiguration
	case errors.Is(err, ErrAuth):
		return ErrorTypeAuth
	case errors.Is(err, ErrInvalidResponse):
		return ErrorTypeInvalid
	case errors.Is(err, ErrEmbeddingsUnsupported):
		return ErrorTypeUnsupported
	case errors.Is(err, ErrProviderUnavailable):
		return ErrorTypeUnavailable
	default:
		return ErrorTypeUnknown
	}
}

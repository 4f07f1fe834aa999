// Package provider defines the capability contract every LLM backend
// implements, plus helpers shared by the HTTP-based adapters.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
)

// Adapter is one LLM backend. Initialize must be called once before use.
type Adapter interface {
	Initialize(cfg Config) error
	Name() string
	GenerateText(ctx context.Context, prompt, systemPrompt string, opts domain.GenerateOptions) (*domain.Completion, error)
	GenerateEmbeddings(ctx context.Context, text string) ([]float64, error)
}

// Describer is implemented by adapters that expose their effective
// settings after Initialize.
type Describer interface {
	Model() string
	Timeout() time.Duration
}

// Timeout bounds accepted for per-call deadlines.
const (
	MinTimeout = 10 * time.Second
	MaxTimeout = 120 * time.Second
)

// Config is the plain settings map handed to Initialize.
type Config map[string]string

func (c Config) String(key, def string) string {
	if v := strings.TrimSpace(c[key]); v != "" {
		return v
	}
	return def
}

func (c Config) Int(key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(c[key])); err == nil {
		return v
	}
	return def
}

// Duration accepts Go durations ("45s") or plain seconds ("45").
func (c Config) Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// Timeout reads "timeout" and clamps it to [MinTimeout, MaxTimeout].
func (c Config) Timeout(def time.Duration) time.Duration {
	d := c.Duration("timeout", def)
	return min(max(d, MinTimeout), MaxTimeout)
}

// Require fails with domain.ErrConfiguration naming the first missing key.
func (c Config) Require(provider string, keys ...string) error {
	for _, key := range keys {
		if strings.TrimSpace(c[key]) == "" {
			return fmt.Errorf("%w: %s requires %q", domain.ErrConfiguration, provider, key)
		}
	}
	return nil
}

// ErrNotInitialized is returned when an adapter is used before Initialize.
func ErrNotInitialized(provider string) error {
	return fmt.Errorf("%w: %s adapter not initialized", domain.ErrConfiguration, provider)
}

const maxErrorBody = 512

// StatusError classifies a non-2xx response. The status code stays in the
// message so retry classification can match it.
func StatusError(provider string, status int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}

	sentinel := domain.ErrProviderUnavailable
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		sentinel = domain.ErrAuth
	}
	return fmt.Errorf("%w: %s error: status=%d body=%s", sentinel, provider, status, text)
}

// TransportError wraps a failure to reach the provider.
func TransportError(provider string, err error) error {
	return fmt.Errorf("%w: %s request failed: %w", domain.ErrProviderUnavailable, provider, err)
}

// DecodeError wraps an unreadable provider answer.
func DecodeError(provider string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrInvalidResponse, provider, err)
}

// PostJSON sends body as JSON and decodes a 2xx answer into out.
func PostJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", domain.ErrConfiguration, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return TransportError(provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return StatusError(provider, resp.StatusCode, respBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return DecodeError(provider, err)
	}
	return nil
}

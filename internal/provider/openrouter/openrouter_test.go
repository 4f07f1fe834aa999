package openrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/provider"
)

func TestNew_Defaults(t *testing.T) {
	a := New()
	require.NoError(t, a.Initialize(provider.Config{"api_key": "or-key"}))

	assert.Equal(t, "openrouter", a.Name())
	assert.Equal(t, "openai/gpt-4o-mini", a.Model())
	assert.Equal(t, 30*time.Second, a.Timeout())
}

func TestNew_RequiresAPIKey(t *testing.T) {
	assert.ErrorIs(t, New().Initialize(provider.Config{}), domain.ErrConfiguration)
}

func TestGenerateText_SendsAttributionHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://finance.example.com", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Finance Assistant", r.Header.Get("X-Title"))
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))

		w.Write([]byte(`{"model":"anthropic/claude-3.5-haiku","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	a := New()
	require.NoError(t, a.Initialize(provider.Config{
		"api_key":  "or-key",
		"base_url": srv.URL,
		"site_url": "https://finance.example.com",
		"app_name": "Finance Assistant",
		"timeout":  "5",
	}))
	assert.Equal(t, provider.MinTimeout, a.Timeout(), "timeouts below the floor are raised")

	got, err := a.GenerateText(context.Background(), "hi", "", domain.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Text)
	assert.Equal(t, "anthropic/claude-3.5-haiku", got.Model)
}

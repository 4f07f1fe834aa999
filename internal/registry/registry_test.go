package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/provider"
	"github.com/felipepmaragno/finance-assistant/internal/provider/mock"
	"github.com/felipepmaragno/finance-assistant/internal/secrets"
)

func testRegistry() *Registry {
	return New(map[string]provider.Adapter{
		"openai":    mock.NewNamed("openai"),
		"anthropic": mock.NewNamed("anthropic"),
		"ollama":    mock.NewNamed("ollama"),
	}, "ollama")
}

func TestBuild_UnknownProvider(t *testing.T) {
	_, err := Build("watsonx", provider.Config{})
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestBuild_MissingCredentials(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "ollama", "bedrock"} {
		t.Run(name, func(t *testing.T) {
			_, err := Build(name, provider.Config{})
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestBuild_Mock(t *testing.T) {
	adapter, err := Build(" Mock ", provider.Config{})
	require.NoError(t, err)
	assert.Equal(t, "mock", adapter.Name())
}

func TestKnown(t *testing.T) {
	assert.Equal(t, []string{"anthropic", "bedrock", "mock", "ollama", "openai", "openrouter"}, Known())
}

func TestSelect_WithHint(t *testing.T) {
	p, err := testRegistry().Select("openai", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestSelect_UnknownHint(t *testing.T) {
	_, err := testRegistry().Select("bedrock", "")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestSelect_ByModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "openai"},
		{"claude-3-5-haiku-latest", "anthropic"},
		{"llama3.2", "ollama"},
		{"meta-llama/llama-3-8b", "ollama"},
	}

	r := testRegistry()
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := r.Select("", tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestNames(t *testing.T) {
	r := testRegistry()

	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, r.Names())
	assert.Equal(t, "ollama", r.Default())
	_, ok := r.Get("openai")
	assert.True(t, ok)
}

func TestLoad_ResolvesSecret(t *testing.T) {
	store := secrets.NewInMemorySecretStore()
	store.SetSecret("llm-keys", `{"openai": "sk-from-secret"}`)

	settings := map[string]provider.Config{
		"openai": {SecretKey: "llm-keys#openai"},
		"mock":   {},
	}

	r, err := Load(context.Background(), settings, "mock", store, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mock", "openai"}, r.Names())
}

func TestLoad_SecretWithoutStore(t *testing.T) {
	settings := map[string]provider.Config{
		"openai": {SecretKey: "llm-keys#openai"},
	}

	_, err := Load(context.Background(), settings, "openai", nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoad_DefaultMustBeConfigured(t *testing.T) {
	settings := map[string]provider.Config{"mock": {}}

	_, err := Load(context.Background(), settings, "openai", nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoad_Empty(t *testing.T) {
	_, err := Load(context.Background(), nil, "mock", nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

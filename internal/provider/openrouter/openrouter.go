// Package openrouter adapts OpenRouter, a router exposing many vendors'
// models behind one OpenAI-compatible endpoint.
package openrouter

import (
	"github.com/felipepmaragno/finance-assistant/internal/httputil"
	"github.com/felipepmaragno/finance-assistant/internal/provider/openai"
)

const Name = "openrouter"

// New returns an adapter with OpenRouter's endpoint and attribution
// headers. Model names are vendor-qualified, e.g. "anthropic/claude-3.5-haiku".
func New() *openai.Adapter {
	return openai.NewCompatible(Name, openai.Defaults{
		BaseURL:        "https://openrouter.ai/api/v1",
		Model:          "openai/gpt-4o-mini",
		EmbeddingModel: "openai/text-embedding-3-small",
		Timeout:        httputil.RouterTimeout,
		Headers: map[string]string{
			"HTTP-Referer": "site_url",
			"X-Title":      "app_name",
		},
	})
}

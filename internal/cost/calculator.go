// Package cost prices LLM token usage in USD.
package cost

import (
	"strings"
	"sync"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Keys are model families; a model matches the longest family it starts
// with once any vendor prefix ("openai/", "anthropic.") is removed.
var defaultPricing = map[string]ModelPricing{
	"gpt-4":                  {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":            {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":                 {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":            {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":          {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet":      {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":       {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-opus":          {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku":         {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"text-embedding-3-small": {InputPer1K: 0.00002},
	"text-embedding-3-large": {InputPer1K: 0.00013},
	"titan-embed-text-v2":    {InputPer1K: 0.00002},
}

type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	return &Calculator{pricing: pricing}
}

// Calculate returns 0 for models without pricing, such as local ones.
func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	pricing, ok := c.lookup(model)
	if !ok {
		return 0
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}

func (c *Calculator) lookup(model string) (ModelPricing, bool) {
	name := normalizeModel(model)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[name]; ok {
		return p, true
	}

	var best string
	for family := range c.pricing {
		if strings.HasPrefix(name, family) && len(family) > len(best) {
			best = family
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return c.pricing[best], true
}

func normalizeModel(model string) string {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	for _, vendor := range []string{"anthropic.", "amazon.", "meta."} {
		name = strings.TrimPrefix(name, vendor)
	}
	return name
}

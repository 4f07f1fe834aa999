// Package openai adapts the OpenAI chat completions and embeddings API.
// Any server speaking the same wire format can reuse it via NewCompatible.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/httputil"
	"github.com/felipepmaragno/finance-assistant/internal/provider"
)

const Name = "openai"

// Defaults are the settings used when the config map omits them.
type Defaults struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	// Headers maps an HTTP header to the config key that supplies its value.
	Headers map[string]string
}

func openAIDefaults() Defaults {
	return Defaults{
		BaseURL:        "https://api.openai.com/v1",
		Model:          "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Timeout:        httputil.CloudTimeout,
		Headers:        map[string]string{"OpenAI-Organization": "organization"},
	}
}

type Adapter struct {
	name     string
	defaults Defaults

	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	timeout        time.Duration
	headers        map[string]string
	client         *http.Client
}

func New() *Adapter {
	return NewCompatible(Name, openAIDefaults())
}

// NewCompatible builds an adapter for an OpenAI-compatible endpoint.
func NewCompatible(name string, defaults Defaults) *Adapter {
	return &Adapter{name: name, defaults: defaults}
}

func (a *Adapter) Initialize(cfg provider.Config) error {
	if err := cfg.Require(a.name, "api_key"); err != nil {
		return err
	}

	a.apiKey = cfg.String("api_key", "")
	a.baseURL = strings.TrimRight(cfg.String("base_url", a.defaults.BaseURL), "/")
	a.model = cfg.String("model", a.defaults.Model)
	a.embeddingModel = cfg.String("embedding_model", a.defaults.EmbeddingModel)
	a.timeout = cfg.Timeout(a.defaults.Timeout)

	if a.baseURL == "" {
		return fmt.Errorf("%w: %s requires %q", domain.ErrConfiguration, a.name, "base_url")
	}

	a.headers = map[string]string{"Authorization": "Bearer " + a.apiKey}
	for header, key := range a.defaults.Headers {
		if v := cfg.String(key, ""); v != "" {
			a.headers[header] = v
		}
	}

	a.client = httputil.NewClient(httputil.ConfigWithTimeout(a.timeout))
	return nil
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Model() string {
	return a.model
}

func (a *Adapter) Timeout() time.Duration {
	return a.timeout
}

func (a *Adapter) GenerateText(ctx context.Context, prompt, systemPrompt string, opts domain.GenerateOptions) (*domain.Completion, error) {
	if a.client == nil {
		return nil, provider.ErrNotInitialized(a.name)
	}

	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}

	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	req := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
	}

	var resp chatResponse
	if err := provider.PostJSON(ctx, a.client, a.name, a.baseURL+"/chat/completions", a.headers, req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, provider.DecodeError(a.name, fmt.Errorf("no choices in response"))
	}

	if resp.Model != "" {
		model = resp.Model
	}

	return &domain.Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        model,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (a *Adapter) GenerateEmbeddings(ctx context.Context, text string) ([]float64, error) {
	if a.client == nil {
		return nil, provider.ErrNotInitialized(a.name)
	}

	req := embeddingRequest{Model: a.embeddingModel, Input: text}

	var resp embeddingResponse
	if err := provider.PostJSON(ctx, a.client, a.name, a.baseURL+"/embeddings", a.headers, req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, provider.DecodeError(a.name, fmt.Errorf("empty embedding"))
	}
	return resp.Data[0].Embedding, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

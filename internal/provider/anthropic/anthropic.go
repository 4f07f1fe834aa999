// Package anthropic adapts the Anthropic Messages API.
package anthropic

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

const (
	Name             = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Adapter struct {
	baseURL string
	model   string
	timeout time.Duration
	headers map[string]string
	client  *http.Client
}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Initialize(cfg provider.Config) error {
	if err := cfg.Require(Name, "api_key"); err != nil {
		return err
	}

	a.baseURL = strings.TrimRight(cfg.String("base_url", defaultBaseURL), "/")
	a.model = cfg.String("model", "claude-3-5-haiku-latest")
	a.timeout = cfg.Timeout(httputil.CloudTimeout)
	a.headers = map[string]string{
		"x-api-key":         cfg.String("api_key", ""),
		"anthropic-version": anthropicVersion,
	}
	a.client = httputil.NewClient(httputil.ConfigWithTimeout(a.timeout))
	return nil
}

func (a *Adapter) Name() string {
	return Name
}

func (a *Adapter) Model() string {
	return a.model
}

func (a *Adapter) Timeout() time.Duration {
	return a.timeout
}

func (a *Adapter) GenerateText(ctx context.Context, prompt, systemPrompt string, opts domain.GenerateOptions) (*domain.Completion, error) {
	if a.client == nil {
		return nil, provider.ErrNotInitialized(Name)
	}

	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}

	maxTokens := defaultMaxTokens
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}

	req := messagesRequest{
		Model:         model,
		Messages:      []message{{Role: "user", Content: prompt}},
		MaxTokens:     maxTokens,
		System:        systemPrompt,
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		StopSequences: opts.Stop,
	}

	var resp messagesResponse
	if err := provider.PostJSON(ctx, a.client, Name, a.baseURL+"/messages", a.headers, req, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 && resp.StopReason == "" {
		return nil, provider.DecodeError(Name, fmt.Errorf("no text content"))
	}

	if resp.Model != "" {
		model = resp.Model
	}

	return &domain.Completion{
		Text:         text.String(),
		Model:        model,
		FinishReason: mapStopReason(resp.StopReason),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// GenerateEmbeddings is not offered by the Messages API.
func (a *Adapter) GenerateEmbeddings(ctx context.Context, text string) ([]float64, error) {
	return nil, fmt.Errorf("%w: %s", domain.ErrEmbeddingsUnsupported, Name)
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model         string    `json:"model"`
	Messages      []message `json:"messages"`
	MaxTokens     int       `json:"max_tokens"`
	System        string    `json:"system,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

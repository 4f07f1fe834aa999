// Package ollama adapts a locally hosted Ollama model server.
package ollama

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

const Name = "ollama"

type Adapter struct {
	baseURL        string
	model          string
	embeddingModel string
	timeout        time.Duration
	client         *http.Client
}

func New() *Adapter {
	return &Adapter{}
}

// Initialize requires base_url; a local server has no sensible default
// location in a deployed environment.
func (a *Adapter) Initialize(cfg provider.Config) error {
	if err := cfg.Require(Name, "base_url"); err != nil {
		return err
	}

	a.baseURL = strings.TrimRight(cfg.String("base_url", ""), "/")
	a.model = cfg.String("model", "llama3.2")
	a.embeddingModel = cfg.String("embedding_model", "nomic-embed-text")
	a.timeout = cfg.Timeout(httputil.LocalTimeout)
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

	req := chatRequest{
		Model:    model,
		Messages: toMessages(prompt, systemPrompt),
		Stream:   false,
		Options:  toOptions(opts),
	}

	var resp chatResponse
	if err := provider.PostJSON(ctx, a.client, Name, a.baseURL+"/api/chat", nil, req, &resp); err != nil {
		return nil, err
	}

	if !resp.Done && resp.Message.Content == "" {
		return nil, provider.DecodeError(Name, fmt.Errorf("incomplete response"))
	}

	finish := resp.DoneReason
	if finish == "" {
		finish = "stop"
	}

	return &domain.Completion{
		Text:         resp.Message.Content,
		Model:        model,
		FinishReason: finish,
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

func (a *Adapter) GenerateEmbeddings(ctx context.Context, text string) ([]float64, error) {
	if a.client == nil {
		return nil, provider.ErrNotInitialized(Name)
	}

	req := embeddingRequest{Model: a.embeddingModel, Prompt: text}

	var resp embeddingResponse
	if err := provider.PostJSON(ctx, a.client, Name, a.baseURL+"/api/embeddings", nil, req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Embedding) == 0 {
		return nil, provider.DecodeError(Name, fmt.Errorf("empty embedding"))
	}
	return resp.Embedding, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *options  `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func toMessages(prompt, systemPrompt string) []message {
	messages := make([]message, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, message{Role: "system", Content: systemPrompt})
	}
	return append(messages, message{Role: "user", Content: prompt})
}

func toOptions(opts domain.GenerateOptions) *options {
	if opts.Temperature == nil && opts.MaxTokens == nil && opts.TopP == nil && len(opts.Stop) == 0 {
		return nil
	}
	return &options{
		Temperature: opts.Temperature,
		NumPredict:  opts.MaxTokens,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
	}
}

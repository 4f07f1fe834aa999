// Package bedrock adapts Amazon Bedrock: Anthropic models through
// InvokeModel for text and Titan for embeddings.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/httputil"
	"github.com/felipepmaragno/finance-assistant/internal/provider"
)

const Name = "bedrock"

// Invoker is the subset of the Bedrock runtime client the adapter uses.
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Adapter struct {
	client         Invoker
	model          string
	embeddingModel string
	timeout        time.Duration
}

func New() *Adapter {
	return &Adapter{}
}

// NewWithClient uses client instead of loading AWS configuration.
func NewWithClient(client Invoker) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Initialize(cfg provider.Config) error {
	a.model = mapModelID(cfg.String("model", "claude-3-5-haiku"))
	a.embeddingModel = cfg.String("embedding_model", "amazon.titan-embed-text-v2:0")
	a.timeout = cfg.Timeout(httputil.CloudTimeout)

	if a.client != nil {
		return nil
	}

	if err := cfg.Require(Name, "region"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.String("region", "")),
		config.WithHTTPClient(httputil.NewClient(httputil.ConfigWithTimeout(a.timeout))),
	)
	if err != nil {
		return fmt.Errorf("%w: load aws config: %w", domain.ErrConfiguration, err)
	}

	a.client = bedrockruntime.NewFromConfig(awsCfg)
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
		model = mapModelID(opts.Model)
	}

	maxTokens := 4096
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}

	body, err := json.Marshal(messagesRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         []message{{Role: "user", Content: prompt}},
		System:           systemPrompt,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		StopSequences:    opts.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classify(err)
	}

	var resp messagesResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, provider.DecodeError(Name, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
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

func (a *Adapter) GenerateEmbeddings(ctx context.Context, text string) ([]float64, error) {
	if a.client == nil {
		return nil, provider.ErrNotInitialized(Name)
	}

	body, err := json.Marshal(titanEmbeddingRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.embeddingModel),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classify(err)
	}

	var resp titanEmbeddingResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, provider.DecodeError(Name, err)
	}
	if len(resp.Embedding) == 0 {
		return nil, provider.DecodeError(Name, fmt.Errorf("empty embedding"))
	}
	return resp.Embedding, nil
}

// classify maps Bedrock API errors onto the domain taxonomy, keeping an
// HTTP-style status in the message for retry matching.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.TransportError(Name, err)
	}

	code := apiErr.ErrorCode()
	switch code {
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		return fmt.Errorf("%w: %s error: status=403 code=%s: %s", domain.ErrAuth, Name, code, apiErr.ErrorMessage())
	case "ThrottlingException", "ServiceQuotaExceededException":
		return fmt.Errorf("%w: %s error: status=429 code=%s: %s", domain.ErrProviderUnavailable, Name, code, apiErr.ErrorMessage())
	case "ServiceUnavailableException", "ModelNotReadyException":
		return fmt.Errorf("%w: %s error: status=503 code=%s: %s", domain.ErrProviderUnavailable, Name, code, apiErr.ErrorMessage())
	case "ModelTimeoutException":
		return fmt.Errorf("%w: %s error: status=504 code=%s: %s", domain.ErrProviderUnavailable, Name, code, apiErr.ErrorMessage())
	default:
		return fmt.Errorf("%w: %s error: code=%s: %s", domain.ErrProviderUnavailable, Name, code, apiErr.ErrorMessage())
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
	System           string    `json:"system,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	StopSequences    []string  `json:"stop_sequences,omitempty"`
}

type messagesResponse struct {
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

type titanEmbeddingRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbeddingResponse struct {
	Embedding           []float64 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
		"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
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

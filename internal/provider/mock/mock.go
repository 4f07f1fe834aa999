// Package mock provides a deterministic adapter for tests and local runs
// without network access.
package mock

import (
	"context"
	"crypto/sha256"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/provider"
)

const Name = "mock"

// EmbeddingDimensions is the length of every vector the mock returns.
const EmbeddingDimensions = 8

// Adapter answers from a script of errors, then echoes the prompt.
// Calls are counted so tests can assert how many reached the backend.
type Adapter struct {
	mu        sync.Mutex
	name      string
	model     string
	reply     string
	delay     time.Duration
	failures  []error
	calls     int
	embedCall int
	ready     bool
}

func New() *Adapter {
	return &Adapter{name: Name}
}

// NewNamed returns a mock that reports name, useful when tests need more
// than one independent provider.
func NewNamed(name string) *Adapter {
	return &Adapter{name: name}
}

// Initialize reads "model", "reply" and "delay". None are required.
func (a *Adapter) Initialize(cfg provider.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.model = cfg.String("model", "mock-1")
	a.reply = cfg.String("reply", "")
	a.delay = cfg.Duration("delay", 0)
	a.ready = true
	return nil
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Model() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

func (a *Adapter) Timeout() time.Duration {
	return provider.MinTimeout
}

// FailWith queues errors returned by the next calls, in order.
func (a *Adapter) FailWith(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, errs...)
}

// SetDelay makes every call block for d or until its context ends.
func (a *Adapter) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

// Calls returns how many GenerateText invocations reached the adapter.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// EmbeddingCalls returns how many GenerateEmbeddings invocations reached
// the adapter.
func (a *Adapter) EmbeddingCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.embedCall
}

func (a *Adapter) next(embedding bool) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.ready {
		return 0, provider.ErrNotInitialized(a.name)
	}

	if embedding {
		a.embedCall++
	} else {
		a.calls++
	}

	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return a.delay, err
	}
	return a.delay, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *Adapter) GenerateText(ctx context.Context, prompt, systemPrompt string, opts domain.GenerateOptions) (*domain.Completion, error) {
	delay, err := a.next(false)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, delay); err != nil {
		return nil, err
	}

	model := a.Model()
	if opts.Model != "" {
		model = opts.Model
	}

	text := a.reply
	if text == "" {
		text = "mock: " + prompt
	}

	promptTokens := len(strings.Fields(systemPrompt)) + len(strings.Fields(prompt))
	completionTokens := len(strings.Fields(text))

	return &domain.Completion{
		Text:         text,
		Model:        model,
		FinishReason: "stop",
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// GenerateEmbeddings derives a stable vector from the SHA-256 of text.
func (a *Adapter) GenerateEmbeddings(ctx context.Context, text string) ([]float64, error) {
	delay, err := a.next(true)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, delay); err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(text))
	vec := make([]float64, EmbeddingDimensions)
	for i := range vec {
		vec[i] = float64(sum[i]) / 255
	}
	return vec, nil
}

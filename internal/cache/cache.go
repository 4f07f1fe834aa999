// Package cache memoizes LLM responses for identical requests. Entries live
// in the shared store, so the cache is process-local with store.Memory and
// distributed with store.Redis. Store faults are reported as misses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/crypto"
	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/store"
)

const keyPrefix = "llm_cache:"

// Request kinds, kept in the key so a text and an embedding for the same
// input never collide.
const (
	KindText      = "text"
	KindEmbedding = "embedding"
)

// Cache defines the interface for response caching backends.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
}

// Entry is an immutable cached response.
type Entry struct {
	Text      string       `json:"text,omitempty"`
	Model     string       `json:"model,omitempty"`
	Usage     domain.Usage `json:"usage"`
	Embedding []float64    `json:"embedding,omitempty"`
	CachedAt  time.Time    `json:"cached_at"`
}

// GenerateKey hashes everything that can change a provider's answer.
func GenerateKey(kind, provider, model, prompt, systemPrompt string, opts domain.GenerateOptions) string {
	data, _ := json.Marshal(struct {
		Kind         string                 `json:"kind"`
		Provider     string                 `json:"provider"`
		Model        string                 `json:"model"`
		Prompt       string                 `json:"prompt"`
		SystemPrompt string                 `json:"system_prompt"`
		Options      domain.GenerateOptions `json:"options"`
	}{
		Kind:         kind,
		Provider:     provider,
		Model:        model,
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Options:      opts,
	})

	hash := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(hash[:])
}

// StoreCache keeps entries as JSON in a store.Store, optionally sealed.
type StoreCache struct {
	store  store.Store
	sealer crypto.Sealer
	logger *slog.Logger
}

type Option func(*StoreCache)

// WithSealer encrypts entries before they reach the store. Entries written
// under a different key read as misses.
func WithSealer(s crypto.Sealer) Option {
	return func(c *StoreCache) {
		c.sealer = s
	}
}

func NewStoreCache(s store.Store, logger *slog.Logger, opts ...Option) *StoreCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &StoreCache{store: s, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *StoreCache) Get(ctx context.Context, key string) (*Entry, bool) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	if c.sealer != nil {
		if data, err = c.sealer.Open(data); err != nil {
			c.logger.Warn("cache entry unreadable, treating as miss", "key", key, "error", err)
			return nil, false
		}
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("cache entry corrupt, treating as miss", "key", key, "error", err)
		return nil, false
	}

	return &entry, true
}

func (c *StoreCache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if c.sealer != nil {
		if data, err = c.sealer.Seal(data); err != nil {
			return err
		}
	}

	return c.store.Put(ctx, key, data, ttl)
}

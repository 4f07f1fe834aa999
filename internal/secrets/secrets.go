// Package secrets resolves provider credentials that are referenced by name
// instead of being written into configuration.
//
// A reference is either a plain secret name, whose whole value is the
// credential, or "name#field", which reads one field of a JSON secret.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Lookup resolves ref against store.
func Lookup(ctx context.Context, store SecretStore, ref string) (string, error) {
	name, field, hasField := strings.Cut(ref, "#")

	value, err := store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	if !hasField {
		return value, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", name, err)
	}

	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: %s#%s", ErrNotFound, name, field)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client  SecretsManagerAPI
	cache   map[string]*cachedSecret
	mu      sync.RWMutex
	ttl     time.Duration
	nowFunc func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewAWSSecretsManagerWithClient(client SecretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client:  client,
		cache:   make(map[string]*cachedSecret),
		ttl:     5 * time.Minute,
		nowFunc: time.Now,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && s.nowFunc().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := aws.ToString(result.SecretString)

	s.mu.Lock()
	s.cache[name] = &cachedSecret{
		value:     value,
		expiresAt: s.nowFunc().Add(s.ttl),
	}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

func (s *AWSSecretsManager) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*cachedSecret)
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSecretsManager struct {
	calls              int
	GetSecretValueFunc func(name string) (*secretsmanager.GetSecretValueOutput, error)
}

func (m *mockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	return m.GetSecretValueFunc(aws.ToString(params.SecretId))
}

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()

	store.SetSecret("openai-key", "sk-test-123")

	value, err := store.GetSecret(context.Background(), "openai-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", value)
}

func TestInMemorySecretStore_GetNotFound(t *testing.T) {
	store := NewInMemorySecretStore()

	_, err := store.GetSecret(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookup(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("plain", "sk-plain")
	store.SetSecret("llm", `{"openai": "sk-openai", "retries": 3}`)
	store.SetSecret("broken", "not json")

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{"whole value", "plain", "sk-plain", false},
		{"json field", "llm#openai", "sk-openai", false},
		{"non string field", "llm#retries", "3", false},
		{"missing field", "llm#anthropic", "", true},
		{"invalid json", "broken#key", "", true},
		{"missing secret", "nope", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Lookup(context.Background(), store, tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAWSSecretsManager_Caches(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &mockSecretsManager{
		GetSecretValueFunc: func(name string) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("value-of-" + name)}, nil
		},
	}

	sm := NewAWSSecretsManagerWithClient(api)
	sm.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		value, err := sm.GetSecret(ctx, "openai")
		require.NoError(t, err)
		assert.Equal(t, "value-of-openai", value)
	}
	assert.Equal(t, 1, api.calls)

	now = now.Add(6 * time.Minute)
	_, err := sm.GetSecret(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, 2, api.calls, "calls after expiry")

	sm.ClearCache()
	_, err = sm.GetSecret(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, 3, api.calls, "calls after clear")
}

func TestAWSSecretsManager_Error(t *testing.T) {
	api := &mockSecretsManager{
		GetSecretValueFunc: func(name string) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, errors.New("AccessDeniedException")
		},
	}

	_, err := NewAWSSecretsManagerWithClient(api).GetSecret(context.Background(), "openai")
	assert.ErrorContains(t, err, "AccessDeniedException")
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/finance-assistant/internal/cache"
	"github.com/felipepmaragno/finance-assistant/internal/config"
	"github.com/felipepmaragno/finance-assistant/internal/notifications"
	"github.com/felipepmaragno/finance-assistant/internal/store"
)

func TestSetupLogging(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		wantErr bool
	}{
		{"json info", config.LogConfig{Level: "info", Format: "json"}, false},
		{"console debug", config.LogConfig{Level: "debug", Format: "console"}, false},
		{"text warn", config.LogConfig{Level: "warn", Format: "text"}, false},
		{"bad level", config.LogConfig{Level: "loud", Format: "json"}, true},
		{"bad format", config.LogConfig{Level: "info", Format: "xml"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := setupLogging(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	cmd.Run(cmd, nil)

	assert.Equal(t, "assistant dev\n", out.String())
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: error
llm:
  default_provider: mock
  providers:
    mock:
      model: mock-1
`), 0o600))
	return path
}

func TestNewApp_InMemory(t *testing.T) {
	for _, name := range []string{"REDIS_URL", "DATABASE_URL", "SNS_TOPIC_ARN", "SQS_QUEUE_URL", "CACHE_ENCRYPTION_KEY", "OLLAMA_BASE_URL"} {
		t.Setenv(name, "")
	}

	cfg, err := config.Load(writeTestConfig(t))
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Contains(t, a.clients.Names(), "mock")
	assert.Nil(t, a.budget)
	require.Len(t, a.checkers, 1)
	assert.Equal(t, "store", a.checkers[0].Name())
}

func TestStatusCmd(t *testing.T) {
	for _, name := range []string{"REDIS_URL", "DATABASE_URL", "SNS_TOPIC_ARN", "SQS_QUEUE_URL", "CACHE_ENCRYPTION_KEY", "OLLAMA_BASE_URL"} {
		t.Setenv(name, "")
	}
	cfgFile = writeTestConfig(t)
	t.Cleanup(func() { cfgFile = "" })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"status"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	var status map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	assert.Equal(t, "healthy", status["status"])
}

func TestNewCache_Encrypted(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	c, err := newCache(mem, config.CacheConfig{Enabled: true, TTL: time.Hour, EncryptionKey: "k"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "entry", &cache.Entry{Text: "rent is due"}, time.Minute))

	raw, ok, err := mem.Get(ctx, "entry")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, string(raw), "rent is due")

	got, ok := c.Get(ctx, "entry")
	require.True(t, ok)
	assert.Equal(t, "rent is due", got.Text)
}

func TestNewNotifier_DefaultsToLog(t *testing.T) {
	n, err := newNotifier(context.Background(), &config.Config{}, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &notifications.LogNotifier{}, n)
}

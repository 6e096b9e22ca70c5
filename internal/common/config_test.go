package common

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("STATE_STORE", "sqlite")
	t.Setenv("OPENAI_TIMEOUT", "90s")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := LoadConfig()
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, "sqlite", cfg.Store.Kind)
	assert.Equal(t, 0, cfg.Store.Redis.DB)
	assert.Equal(t, "/v1/chat/completions", cfg.LLM.Endpoint)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Kind: "file"}}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)

	cfg.LLM.APIKey = "sk"
	cfg.Store.Kind = "postgres"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)

	cfg.Store.Database.DSN = "postgres://localhost/db"
	assert.NoError(t, cfg.Validate())

	cfg.Store.Kind = "s3"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestLoggerFrom(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithRequestID(WithRunID(context.Background(), "santiago"), "trace-1")

	LoggerFrom(ctx, base).Info("hello")
	assert.Contains(t, buf.String(), "run_id=santiago")
	assert.Contains(t, buf.String(), "request_id=trace-1")

	buf.Reset()
	LoggerFrom(context.Background(), base).Info("plain")
	assert.NotContains(t, buf.String(), "run_id")
}

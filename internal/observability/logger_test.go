package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/liveedge/internal/config"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, buf)
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, `"key":"value"`)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &parsed))
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"info logs at info level", "info", slog.LevelInfo, true},
		{"warn does not log info", "warn", slog.LevelInfo, false},
		{"warn logs at warn level", "warn", slog.LevelWarn, true},
		{"error does not log warn", "error", slog.LevelWarn, false},
		{"unknown level falls back to info", "loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(config.LoggingConfig{Level: tt.configLevel, Format: "json"}, &buf)
			logger.Log(context.Background(), tt.logLevel, "test")

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestNewLogger_CustomTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json", TimeFormat: "2006-01-02"}
	NewLoggerWithWriter(cfg, &buf).Info("test message")

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, time.Now().Format("2006-01-02"), parsed["time"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	WithComponent(newTestLogger(&buf), "player").Info("test")
	assert.Contains(t, buf.String(), `"component":"player"`)
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	WithError(logger, errors.New("boom")).Info("test")
	assert.Contains(t, buf.String(), `"error":"boom"`)

	assert.Same(t, logger, WithError(logger, nil))
}

func TestSensitiveDataRedaction(t *testing.T) {
	tests := []struct {
		fieldName     string
		sensitiveData string
	}{
		{"password", "secret123"},
		{"secret", "topsecret"},
		{"token", "jwt-token-abc"},
		{"Token", "Bearer xyz"},
		{"api_key", "api-key-value"},
		{"credential", "cred-abc"},
		{"authorization", "Basic Zm9vOmJhcg=="},
	}

	for _, tt := range tests {
		t.Run(tt.fieldName, func(t *testing.T) {
			var buf bytes.Buffer
			newTestLogger(&buf).Info("test message", slog.String(tt.fieldName, tt.sensitiveData))

			output := buf.String()
			assert.NotContains(t, output, tt.sensitiveData)
			assert.Contains(t, output, Redacted)
		})
	}
}

func TestSensitiveDataRedaction_Group(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf).Info("test with group",
		slog.Group("publisher",
			slog.String("stream", "cam1"),
			slog.String("token", "secret123"),
		),
	)

	output := buf.String()
	assert.Contains(t, output, "cam1")
	assert.NotContains(t, output, "secret123")
	assert.Contains(t, output, Redacted)
}

func TestURLParameterRedaction(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		sensitive string
		param     string
	}{
		{"token on websocket url", "ws://edge:8080/live/cam1?token=abc123", "abc123", "token"},
		{"password among others", "wss://edge/live/cam1?user=me&password=hunter2&x=1", "hunter2", "password"},
		{"case insensitive", "quic://edge:4443/live/cam1?AUTH=zzz", "zzz", "AUTH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			newTestLogger(&buf).Info("dialing", slog.String("source", tt.url))

			output := buf.String()
			assert.NotContains(t, output, tt.sensitive)
			assert.Contains(t, output, tt.param+"="+Redacted)
		})
	}
}

func TestURLParameterRedaction_PreservesNonSensitiveURL(t *testing.T) {
	var buf bytes.Buffer
	url := "ws://edge:8080/live/cam1?quality=high&page=1"
	newTestLogger(&buf).Info("dialing", slog.String("source", url))

	output := buf.String()
	assert.Contains(t, output, "quality=high")
	assert.Contains(t, output, "page=1")
	assert.NotContains(t, output, Redacted)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t,
		"ws://h/live/a?token=[REDACTED]&q=1",
		RedactURL("ws://h/live/a?token=abc&q=1"),
	)
	assert.Equal(t, "ws://h/live/a", RedactURL("ws://h/live/a"))
}

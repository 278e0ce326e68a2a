package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
		{"  Debug  ", slog.LevelDebug},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), "input %q", tt.input)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	jsonLogger := NewLogger(Config{Level: "info", Format: "json"})
	require.NotNil(t, jsonLogger)

	textLogger := NewLogger(Config{Level: "debug", Format: "text"})
	require.NotNil(t, textLogger)
	assert.True(t, textLogger.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, jsonLogger.Enabled(context.Background(), slog.LevelDebug))
}

func TestGenerateRequestID(t *testing.T) {
	first := GenerateRequestID()
	second := GenerateRequestID()
	assert.NotEqual(t, first, second)
	assert.Contains(t, first, "req_")
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_abc123")
	assert.Equal(t, "req_abc123", GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestFromContext(t *testing.T) {
	base := NewLogger(Config{Level: "info"})
	ctx := WithRequestID(context.Background(), "req_xyz")
	annotated := FromContext(ctx, base)
	require.NotNil(t, annotated)

	// Without a request id the original logger comes back.
	assert.Equal(t, base, FromContext(context.Background(), base))
}

package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		enabled bool
	}{
		{"debug", zapcore.DebugLevel, true},
		{"INFO", zapcore.InfoLevel, true},
		{"warn", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"off", zapcore.InfoLevel, false},
		{"nonsense", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, enabled := parseLogLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.enabled, enabled)
		})
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "ppewatch.log")

	logger, err := NewLoggerWithStderr("info", file, false)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("frame processed", zap.Uint64("seq", 4))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"frame processed"`)
	assert.Contains(t, string(data), `"seq":4`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNewLoggerOff(t *testing.T) {
	file := filepath.Join(t.TempDir(), "off.log")
	logger, err := NewLogger("off", file)
	require.NoError(t, err)
	logger.Error("dropped")
	assert.NoFileExists(t, file)
}

func TestLoggerContext(t *testing.T) {
	_, ok := LoggerFromContext(context.Background())
	assert.False(t, ok)

	base := zap.NewNop()
	ctx := ContextWithLogger(context.Background(), base)
	got, ok := LoggerFromContext(ctx)
	assert.True(t, ok)
	assert.Same(t, base, got)

	fallback := zap.NewNop()
	assert.Same(t, fallback, FromContextOr(context.Background(), fallback))
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: "debug"})

	logger.Error(context.Background(), "failed to publish", "queue", "conversion_jobs", "error", errors.New("channel closed"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "ERROR", record["level"])
	assert.Equal(t, "failed to publish", record["msg"])
	assert.Equal(t, "conversion_jobs", record["queue"])
	assert.Equal(t, "channel closed", record["error"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: "info"})

	logger.Debug(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	logger.Info(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_TextFormatAndWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Format: "text"}).With("worker", "conversion")

	logger.Info(context.Background(), "started", "prefetch", 1)

	out := buf.String()
	assert.Contains(t, out, "msg=started")
	assert.Contains(t, out, "worker=conversion")
	assert.Contains(t, out, "prefetch=1")
}

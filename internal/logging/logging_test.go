package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SDVentures/Contour-sub001/config"
)

func TestNewHandler(t *testing.T) {
	t.Run("json handler filters by level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(NewHandler(&buf, config.LoggingConfig{Level: "warn", Format: "json"}))

		logger.Info("dropped")
		logger.Warn("kept", "queue", "orders")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "kept", entry["msg"])
		assert.Equal(t, "orders", entry["queue"])
	})

	t.Run("text handler", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(NewHandler(&buf, config.LoggingConfig{Level: "debug", Format: "text"}))

		logger.Debug("hello", "label", "order.created")

		assert.Contains(t, buf.String(), "msg=hello label=order.created")
	})
}

func TestNew(t *testing.T) {
	t.Run("writes to the rotated file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "bus.log")
		logger, closer, err := New(config.LoggingConfig{Level: "info", Format: "json", File: path, MaxSize: 1})
		require.NoError(t, err)

		logger.Info("started")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"started"`)
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

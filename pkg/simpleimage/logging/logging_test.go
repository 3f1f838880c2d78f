package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&buf, slog.LevelInfo, "production")
		logger.Debug("hidden")
		logger.Info("Image stored", "image_id", "abc")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "Image stored", entry["msg"])
		assert.Equal(t, "abc", entry["image_id"])
		assert.Contains(t, entry, "timestamp")
	})

	t.Run("Development", func(t *testing.T) {
		var buf bytes.Buffer
		New(&buf, slog.LevelDebug, "development").Debug("visible")
		assert.Contains(t, buf.String(), "msg=visible")
	})
}

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dconfengine/dconfengine/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewBuildsJSONHandlerByDefault(t *testing.T) {
	logger := New(config.LogConfig{Level: "info", Format: "json", Output: "stdout"})
	assert.NotNil(t, logger)
	assert.Same(t, logger, slog.Default())
	_, isJSON := logger.Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)
}

func TestSetupWriterFallsBackToStdoutWithoutFilename(t *testing.T) {
	w := setupWriter(config.LogConfig{Output: "file"})
	assert.NotNil(t, w)
	assert.Equal(t, os.Stdout, w)
	var buf bytes.Buffer
	_, _ = buf.WriteString("smoke test")
}

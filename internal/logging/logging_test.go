package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/punchsync/internal/config"
)

func TestNew_TextToStderr(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(config.LogConfig{Level: "info", Format: "text"}, false, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Debug("hidden")
	log.Info("punch stored", "device", "D1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=\"punch stored\"")
	assert.Contains(t, out, "device=D1")
}

func TestNew_VerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(config.LogConfig{Level: "error", Format: "text"}, true, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestNew_JSONFileWithRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "punchsync.log")
	log, closer, err := New(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}, false, os.Stderr)
	require.NoError(t, err)

	log.Info("device reactivated", "device", "D2")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line))
	assert.Equal(t, "device reactivated", line["msg"])
	assert.Equal(t, "D2", line["device"])
}

func TestNew_Rejects(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"}, false, os.Stderr)
	assert.Error(t, err)
	_, _, err = New(config.LogConfig{Format: "xml"}, false, os.Stderr)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

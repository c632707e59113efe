package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/sigrelay/internal/config"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	Component(l, "relay").Info("hidden")
	Component(l, "relay").Warn("shown", "peer", "abc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "relay", rec["component"])
	assert.Equal(t, "abc", rec["peer"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LogConfig{Level: "debug"}, &buf)
	require.NoError(t, err)
	l.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New(config.LogConfig{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestParseLevel_AcceptsConfigLevels(t *testing.T) {
	for _, lvl := range config.LogLevels {
		_, err := ParseLevel(lvl)
		assert.NoError(t, err, lvl)
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/kbridge/internal/config"
)

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LoggingConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer l.Close()

	l.Info().Msg("quiet")
	l.Warn().Msg("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestEmptyLevelMeansInfo(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LoggingConfig{}, &buf)
	require.NoError(t, err)

	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "chatty"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestFileOutputIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kbridge.log")
	l, err := New(config.LoggingConfig{Level: "debug", File: path}, &bytes.Buffer{})
	require.NoError(t, err)

	log := l.Component("link")
	log.Info().Str("state", "connected").Msg("connected to host")
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	assert.Equal(t, "link", entry["component"])
	assert.Equal(t, "kbridge", entry["app"])
	assert.Equal(t, "connected to host", entry["message"])
}

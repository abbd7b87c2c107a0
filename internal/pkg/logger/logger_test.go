package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdesk/internal/config"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, err := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, "dev")
	require.NoError(t, err)

	log.Info("document indexed")
	log.Debug("hidden at info level")
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)
	assert.True(t, strings.Contains(content, `"message":"document indexed"`))
	assert.False(t, strings.Contains(content, "hidden at info level"))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty"}, "dev")
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "missing.toml"))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 5, cfg.RAG.TopK)
	assert.Equal(t, 10000, cfg.RAG.MaxQueryChars)
	assert.Equal(t, int64(50<<20), cfg.RAG.MaxFileBytes)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 60, cfg.RateLimit.QueriesPerMinute)
	assert.Equal(t, 10, cfg.RateLimit.UploadsPerHour)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("RAG_CHUNK_SIZE", "800")
	t.Setenv("RAG_CHUNK_OVERLAP", "100")
	t.Setenv("RAG_TOP_K", "8")
	t.Setenv("RAG_HISTORY_WINDOW", "2")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RAG_MIN_SCORE", "0.25")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("APP_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 800, cfg.RAG.ChunkSize)
	assert.Equal(t, 100, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 8, cfg.RAG.TopK)
	assert.Equal(t, 2, cfg.RAG.HistoryWindow)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 0.25, cfg.RAG.MinScore, 1e-9)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 8080, cfg.App.Port, "unparsable values keep the fallback")
}

func TestLoadFromTOMLFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[database]
driver = "memory"

[vector]
backend = "memory"
dimensions = 8

[rag]
chunk_size = 300
chunk_overlap = 30
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Vector.Dimensions)
	assert.Equal(t, 300, cfg.RAG.ChunkSize)
	assert.Equal(t, 30, cfg.RAG.ChunkOverlap)
	// untouched keys keep defaults
	assert.Equal(t, 5, cfg.RAG.TopK)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap equals size", func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize }},
		{"zero top k", func(c *Config) { c.RAG.TopK = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"pgvector on mysql", func(c *Config) { c.Database.Driver = "mysql" }},
		{"unknown vector backend", func(c *Config) { c.Vector.Backend = "faiss" }},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "gcs" }},
		{"async without broker", func(c *Config) { c.Ingest.Async = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, defaultConfig().Validate())
}

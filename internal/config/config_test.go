package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("DB_HOST", "test-host")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
	assert.Equal(t, 4, cfg.RunnerWorkers)
	assert.Equal(t, 64, cfg.RunnerQueueDepth)
	assert.Equal(t, 1200, cfg.ChunkMaxChars)
	assert.Equal(t, 200, cfg.ChunkOverlap)
	assert.Equal(t, "zero", cfg.Embedder)
	assert.Empty(t, cfg.WeaviateHost)
	assert.Equal(t, int64(10<<20), cfg.URLMaxBytes)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	content := []byte("DB_HOST=loaded-from-file")
	require.NoError(t, os.WriteFile(".env", content, 0o644))
	defer os.Remove(".env")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
}

func TestLoadConfig_RunnerOverrides(t *testing.T) {
	t.Setenv("RUNNER_WORKERS", "2")
	t.Setenv("RUNNER_QUEUE_DEPTH", "0")
	t.Setenv("STORAGE", "memory")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RunnerWorkers)
	assert.Equal(t, 0, cfg.RunnerQueueDepth)
	assert.Equal(t, "memory", cfg.Storage)
}

func TestLoadConfig_InvalidEmbedder(t *testing.T) {
	t.Setenv("EMBEDDER", "word2vec")

	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestConfig_DSN(t *testing.T) {
	cfg := config.Config{DBHost: "db", DBPort: 5433, DBUser: "u", DBPass: "p", DBName: "n", DBSSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=disable", cfg.DSN())
}

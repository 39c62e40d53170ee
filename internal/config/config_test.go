package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3033", cfg.ListenAddr)
	assert.Equal(t, 200_000, cfg.DefaultMaxTokens)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
listen_addr: "0.0.0.0:9999"
logging:
  debug: true
  level: debug
embedding:
  provider: ollama
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
	assert.True(t, cfg.Logging.Debug)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	// Untouched fields keep their defaults.
	assert.Equal(t, "http://localhost:11434", cfg.Embedding.OllamaEndpoint)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "/tmp/override.db")
	t.Setenv("RALPHD_ADDR", "127.0.0.1:4044")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.DatabasePath)
	assert.Equal(t, "127.0.0.1:4044", cfg.ListenAddr)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [oops"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

package fold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphd/internal/types"
)

func writeCcsConfig(t *testing.T, home, current string) {
	t.Helper()
	dir := filepath.Join(home, ".ccs")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"current": "`+current+`"}`), 0644))
}

func TestDetectProviderMapping(t *testing.T) {
	tests := []struct {
		current string
		want    types.Provider
	}{
		{"glm-4.6", types.ProviderGLM},
		{"claude-glm", types.ProviderGLM},
		{"openai", types.ProviderOpenAI},
		{"gpt-4o", types.ProviderOpenAI},
		{"mistral-large", types.ProviderMistral},
		{"google", types.ProviderGoogle},
		{"gemini-pro", types.ProviderGoogle},
		{"anthropic", types.ProviderAnthropic},
		{"something-else", types.ProviderAnthropic},
	}

	for _, tt := range tests {
		home := t.TempDir()
		writeCcsConfig(t, home, tt.current)
		d := NewProviderDetector(home)
		assert.Equal(t, tt.want, d.Detect(), "current=%s", tt.current)
	}
}

func TestDetectProviderMissingConfig(t *testing.T) {
	d := NewProviderDetector(t.TempDir())
	assert.Equal(t, types.ProviderAnthropic, d.Detect())
}

func TestDetectProviderMalformedConfig(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, ".ccs")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{broken"), 0644))

	d := NewProviderDetector(home)
	assert.Equal(t, types.ProviderAnthropic, d.Detect())
}

func TestDetectProviderCachesWithinTTL(t *testing.T) {
	home := t.TempDir()
	writeCcsConfig(t, home, "glm")
	d := NewProviderDetector(home)
	assert.Equal(t, types.ProviderGLM, d.Detect())

	// A config change inside the TTL window is not observed.
	writeCcsConfig(t, home, "openai")
	assert.Equal(t, types.ProviderGLM, d.Detect())

	// Expiring the cache picks up the new provider.
	d.fetchedAt = d.fetchedAt.Add(-2 * detectTTL)
	assert.Equal(t, types.ProviderOpenAI, d.Detect())
}

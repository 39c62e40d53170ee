package fold

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

// detectTTL caps how stale a cached provider read may be. should_fold
// is called on every watcher tick; re-reading the config file each time
// would be wasteful.
const detectTTL = 5 * time.Second

// ProviderDetector resolves the active LLM provider from the ccs
// switcher config at $HOME/.ccs/config.json. Reads are cached for
// detectTTL; any failure falls back to anthropic.
type ProviderDetector struct {
	mu        sync.Mutex
	path      string
	cached    types.Provider
	fetchedAt time.Time
}

// NewProviderDetector creates a detector reading from home/.ccs/config.json.
func NewProviderDetector(home string) *ProviderDetector {
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return &ProviderDetector{
		path: filepath.Join(home, ".ccs", "config.json"),
	}
}

// Detect returns the current provider, reading the config file at most
// once per TTL window.
func (d *ProviderDetector) Detect() types.Provider {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != "" && time.Since(d.fetchedAt) < detectTTL {
		return d.cached
	}

	d.cached = d.read()
	d.fetchedAt = time.Now()
	return d.cached
}

func (d *ProviderDetector) read() types.Provider {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return types.ProviderAnthropic
	}

	var cfg struct {
		Current string `json:"current"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		logging.FoldDebug("provider config unparseable, defaulting to anthropic: %v", err)
		return types.ProviderAnthropic
	}

	current := strings.ToLower(cfg.Current)
	switch {
	case strings.Contains(current, "glm"):
		return types.ProviderGLM
	case strings.Contains(current, "openai"), strings.Contains(current, "gpt"):
		return types.ProviderOpenAI
	case strings.Contains(current, "mistral"):
		return types.ProviderMistral
	case strings.Contains(current, "google"), strings.Contains(current, "gemini"):
		return types.ProviderGoogle
	default:
		return types.ProviderAnthropic
	}
}

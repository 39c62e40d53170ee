package watcher

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// transcriptTailSize bounds how much of a transcript we read per
	// event. The last assistant turn is always near the end.
	transcriptTailSize = 10 * 1024

	// bytesPerToken and systemOverheadTokens drive the size-based
	// estimate when no usage block is present.
	bytesPerToken        = 6
	systemOverheadTokens = 2000
)

// TokenReading is the token count extracted from one transcript, with
// Real=false when it is a byte-ratio estimate.
type TokenReading struct {
	Tokens int
	Real   bool
}

// transcriptTurn is the subset of a transcript line we care about.
type transcriptTurn struct {
	Type    string `json:"type"`
	Message struct {
		Usage *struct {
			InputTokens              int `json:"input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// ReadTranscriptTokens extracts the context-consuming token count from
// the tail of a transcript. Context tokens are input_tokens plus
// cache_creation_input_tokens; cache reads do not consume window. When
// no assistant turn with usage is found the file size estimate applies.
func ReadTranscriptTokens(path string, maxTokens int) (*TokenReading, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size := info.Size()
	if size > transcriptTailSize {
		if _, err := f.Seek(size-transcriptTailSize, io.SeekStart); err != nil {
			return nil, err
		}
	}
	tail, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	if tokens, ok := extractUsage(tail); ok {
		if tokens > maxTokens {
			tokens = maxTokens
		}
		return &TokenReading{Tokens: tokens, Real: true}, nil
	}

	estimate := int(size)/bytesPerToken + systemOverheadTokens
	if estimate > maxTokens {
		estimate = maxTokens
	}
	return &TokenReading{Tokens: estimate, Real: false}, nil
}

// extractUsage scans transcript lines backwards for the last assistant
// turn carrying a usage block. The first line of a tail read may be a
// truncated JSON object; unmarshal failures just skip the line.
func extractUsage(tail []byte) (int, bool) {
	lines := bytes.Split(bytes.TrimSpace(tail), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !bytes.Contains(line, []byte(`"assistant"`)) {
			continue
		}
		var turn transcriptTurn
		if err := json.Unmarshal(line, &turn); err != nil {
			continue
		}
		if turn.Type != "assistant" || turn.Message.Usage == nil {
			continue
		}
		usage := turn.Message.Usage
		return usage.InputTokens + usage.CacheCreationInputTokens, true
	}
	return 0, false
}

// ActiveTranscript returns the most recently modified non-agent .jsonl
// in a project directory. ok=false when the directory holds none.
func ActiveTranscript(projectDir string) (string, bool) {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return "", false
	}

	var best string
	var bestMtime time.Time
	for _, entry := range entries {
		if entry.IsDir() || !isTranscript(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMtime) {
			best = filepath.Join(projectDir, entry.Name())
			bestMtime = info.ModTime()
		}
	}
	return best, best != ""
}

// isTranscript reports whether a basename is a transcript we track.
// agent- files are auxiliary sub-agent logs.
func isTranscript(basename string) bool {
	return strings.HasSuffix(basename, ".jsonl") && !strings.HasPrefix(basename, "agent-")
}

package fold

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"ralphd/internal/llm"
	"ralphd/internal/logging"
)

// compressionSystemPrompt asks the model for the fixed section layout
// that parseCompressed understands.
const compressionSystemPrompt = `You are a context compression expert for AI coding agents.
Your task is to compress agent conversation trajectories while preserving critical information.

PRESERVE with exact details:
1. All architectural decisions and their reasoning
2. All file paths with line numbers (format: path/to/file.py:123)
3. All errors encountered and their solutions
4. Key progress milestones and completions

OUTPUT FORMAT (use exactly this structure):
SUMMARY:
<2-3 sentence overview of what was accomplished>

DECISIONS:
- <decision 1 with reasoning>

FILES:
- <file:line - what was done>

ERRORS:
- <error description> -> <fix applied>

PROGRESS:
- <milestone 1>

Be extremely concise but preserve ALL technical details.`

// CompressionResult is the structured outcome of compressing a
// trajectory.
type CompressionResult struct {
	Summary          string   `json:"summary"`
	Decisions        []string `json:"decisions"`
	Files            []string `json:"files"`
	Errors           []string `json:"errors"`
	Progress         []string `json:"progress"`
	OriginalTokens   int      `json:"original_tokens"`
	CompressedTokens int      `json:"compressed_tokens"`
	TokensSaved      int      `json:"tokens_saved"`
	CompressionRatio float64  `json:"compression_ratio"`
	Fallback         bool     `json:"fallback,omitempty"`
}

// Compress reduces a trajectory to its structured essentials via the
// LLM provider. ratio is the target size as a fraction of the original
// (default 0.25). With no provider, or when the provider fails, the
// raw trajectory becomes the summary so a fold never blocks on an
// external service.
func (e *Engine) Compress(ctx context.Context, trajectory string, ratio float64) (*CompressionResult, error) {
	timer := logging.StartTimer(logging.CategoryFold, "Compress")
	defer timer.Stop()

	if ratio <= 0 || ratio >= 1 {
		ratio = 0.25
	}
	originalTokens := llm.EstimateTokens(trajectory)
	targetTokens := int(float64(originalTokens) * ratio)

	if e.llm == nil {
		return fallbackCompression(trajectory, originalTokens), nil
	}

	prompt := fmt.Sprintf(`Compress this agent trajectory to approximately %d tokens.

TRAJECTORY TO COMPRESS:
%s

Remember:
- Preserve ALL decisions, file paths with line numbers, and error fixes
- Be extremely concise but complete
- Use the exact output format specified`, targetTokens, trajectory)

	reply, err := e.llm.Complete(ctx, compressionSystemPrompt, prompt, targetTokens+500)
	if err != nil {
		logging.Get(logging.CategoryFold).Warn("compression LLM call failed, using raw-trajectory fallback: %v", err)
		return fallbackCompression(trajectory, originalTokens), nil
	}

	result := parseCompressed(reply)
	result.OriginalTokens = originalTokens
	result.CompressedTokens = llm.EstimateTokens(reply)
	result.TokensSaved = originalTokens - result.CompressedTokens
	if originalTokens > 0 {
		result.CompressionRatio = float64(result.CompressedTokens) / float64(originalTokens)
	}
	return result, nil
}

// fallbackCompression records the raw trajectory as the summary with no
// token savings claimed.
func fallbackCompression(trajectory string, originalTokens int) *CompressionResult {
	return &CompressionResult{
		Summary:          trajectory,
		OriginalTokens:   originalTokens,
		CompressedTokens: originalTokens,
		CompressionRatio: 1.0,
		Fallback:         true,
	}
}

var sectionHeaderRe = regexp.MustCompile(`(?i)^\s*(SUMMARY|DECISIONS|FILES|ERRORS|PROGRESS)\s*:\s*(.*)$`)

// parseCompressed splits a model reply into the tagged sections.
// Headers are case-insensitive and tolerate surrounding whitespace;
// list items use "- " or "* " bullets, with bare lines accepted.
func parseCompressed(reply string) *CompressionResult {
	sections := map[string][]string{}
	current := ""

	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := sectionHeaderRe.FindStringSubmatch(line); m != nil {
			current = strings.ToUpper(m[1])
			if rest := strings.TrimSpace(m[2]); rest != "" {
				sections[current] = append(sections[current], rest)
			}
			continue
		}
		if current == "" || trimmed == "" {
			continue
		}
		sections[current] = append(sections[current], trimmed)
	}

	return &CompressionResult{
		Summary:   strings.Join(sections["SUMMARY"], " "),
		Decisions: bulletItems(sections["DECISIONS"]),
		Files:     bulletItems(sections["FILES"]),
		Errors:    bulletItems(sections["ERRORS"]),
		Progress:  bulletItems(sections["PROGRESS"]),
	}
}

// bulletItems strips "- " and "* " bullets; bare non-comment lines pass
// through unchanged.
func bulletItems(lines []string) []string {
	var items []string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "- "):
			items = append(items, strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "* "):
			items = append(items, strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "#"):
			// skip comments
		default:
			items = append(items, line)
		}
	}
	return items
}

package fold

import (
	"context"

	"ralphd/internal/llm"
	"ralphd/internal/logging"
	"ralphd/internal/store"
	"ralphd/internal/types"
)

// Engine wires the pure fold decision onto the store, the provider
// detector and an optional completion backend.
type Engine struct {
	store    *store.Store
	llm      llm.Provider // nil means deterministic fallbacks only
	detector *ProviderDetector
}

// NewEngine creates a fold engine. provider may be nil.
func NewEngine(s *store.Store, provider llm.Provider, detector *ProviderDetector) *Engine {
	if detector == nil {
		detector = NewProviderDetector("")
	}
	return &Engine{store: s, llm: provider, detector: detector}
}

// ShouldFold evaluates the fold decision for a usage ratio. An empty
// provider is auto-detected from the ccs config.
func (e *Engine) ShouldFold(contextUsage float64, memoryCount int, provider types.Provider) Decision {
	if provider == "" {
		provider = e.detector.Detect()
	}
	return Evaluate(contextUsage, memoryCount, provider)
}

// FoldOutcome reports what an executed fold did.
type FoldOutcome struct {
	CheckpointID     string  `json:"checkpoint_id"`
	Summary          string  `json:"summary"`
	TokensBefore     int     `json:"tokens_before"`
	TokensAfter      int     `json:"tokens_after"`
	TokensFreed      int     `json:"tokens_freed"`
	CompressionRatio float64 `json:"compression_ratio"`
	MemoriesWritten  int     `json:"memories_written"`
}

// ExecuteFold compresses a trajectory and commits the result: the
// structured sections become memories, a checkpoint carries the
// compression metadata, and the session's token count drops to the
// compressed size. The LLM call happens before the transaction so a
// slow provider never holds the write lock.
func (e *Engine) ExecuteFold(ctx context.Context, sessionID, trajectory, label string) (*FoldOutcome, error) {
	timer := logging.StartTimer(logging.CategoryFold, "ExecuteFold")
	defer timer.Stop()

	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if label == "" {
		label = "auto-fold"
	}

	compressed, err := e.Compress(ctx, trajectory, 0.25)
	if err != nil {
		return nil, err
	}

	tokensAfter := compressed.CompressedTokens
	if tokensAfter > sess.MaxTokens {
		tokensAfter = sess.MaxTokens
	}

	state := map[string]interface{}{
		"compressed_summary": compressed.Summary,
		"decisions":          compressed.Decisions,
		"files":              compressed.Files,
		"errors":             compressed.Errors,
		"compression_ratio":  compressed.CompressionRatio,
	}

	applied, err := e.store.ApplyFold(sessionID, label, state, foldMemories(compressed), tokensAfter)
	if err != nil {
		return nil, err
	}

	return &FoldOutcome{
		CheckpointID:     applied.Checkpoint.ID,
		Summary:          compressed.Summary,
		TokensBefore:     sess.CurrentTokens,
		TokensAfter:      tokensAfter,
		TokensFreed:      sess.CurrentTokens - tokensAfter,
		CompressionRatio: compressed.CompressionRatio,
		MemoriesWritten:  len(applied.Memories),
	}, nil
}

// foldMemories maps compression sections onto memory rows. File touches
// land in the context category; there is no dedicated files category.
func foldMemories(c *CompressionResult) []store.MemoryInput {
	var inputs []store.MemoryInput
	if c.Summary != "" && !c.Fallback {
		inputs = append(inputs, store.MemoryInput{
			Content:  "Fold summary: " + c.Summary,
			Category: types.CategoryContext,
			Priority: types.PriorityNormal,
		})
	}
	for _, d := range c.Decisions {
		inputs = append(inputs, store.MemoryInput{Content: d, Category: types.CategoryDecision, Priority: types.PriorityHigh})
	}
	for _, f := range c.Files {
		inputs = append(inputs, store.MemoryInput{Content: f, Category: types.CategoryContext, Priority: types.PriorityNormal})
	}
	for _, errLine := range c.Errors {
		inputs = append(inputs, store.MemoryInput{Content: errLine, Category: types.CategoryError, Priority: types.PriorityHigh})
	}
	for _, p := range c.Progress {
		inputs = append(inputs, store.MemoryInput{Content: p, Category: types.CategoryProgress, Priority: types.PriorityNormal})
	}
	return inputs
}

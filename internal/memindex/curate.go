package memindex

import (
	"math"
	"sort"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

// CurationResult reports what a curation pass removed.
type CurationResult struct {
	Removed     int `json:"removed"`
	Remaining   int `json:"remaining"`
	TokensFreed int `json:"tokens_freed"`
}

// defaultProtected are the categories curation never deletes.
var defaultProtected = []types.MemoryCategory{types.CategoryDecision, types.CategoryError}

// Curate trims a session down to at most keepTop memories. Protected
// categories score infinity; everything else scores
// access_count*10 + 50 for high priority, and the lowest-valued rows
// go first. Protected memories count against keepTop but are never
// removed, so an all-protected session can stay over the cap.
func (ix *Index) Curate(sessionID string, keepTop int, protected []types.MemoryCategory) (*CurationResult, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Curate")
	defer timer.Stop()

	if keepTop <= 0 {
		keepTop = 50
	}
	if protected == nil {
		protected = defaultProtected
	}
	protectedSet := make(map[types.MemoryCategory]bool, len(protected))
	for _, c := range protected {
		protectedSet[c] = true
	}

	memories, err := ix.store.MemoriesForSession(sessionID, "", 0)
	if err != nil {
		return nil, err
	}

	result := &CurationResult{Remaining: len(memories)}
	if len(memories) <= keepTop {
		return result, nil
	}

	type scored struct {
		mem   *types.Memory
		value float64
	}
	candidates := make([]scored, 0, len(memories))
	for _, m := range memories {
		value := math.Inf(1)
		if !protectedSet[m.Category] {
			value = float64(m.AccessCount * 10)
			if m.Priority == types.PriorityHigh {
				value += 50
			}
		}
		candidates = append(candidates, scored{mem: m, value: value})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].value < candidates[j].value })

	toRemove := len(memories) - keepTop
	for _, c := range candidates {
		if toRemove == 0 {
			break
		}
		if math.IsInf(c.value, 1) {
			// Only protected rows remain.
			break
		}
		deleted, err := ix.store.DeleteMemory(c.mem.ID)
		if err != nil {
			return result, err
		}
		if deleted {
			result.Removed++
			result.TokensFreed += len(c.mem.Content) / 4
			toRemove--
		}
	}
	result.Remaining = len(memories) - result.Removed

	logging.Memory("Curated session %s: removed=%d remaining=%d tokens_freed=%d",
		sessionID, result.Removed, result.Remaining, result.TokensFreed)
	return result, nil
}

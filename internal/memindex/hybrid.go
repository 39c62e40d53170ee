package memindex

import (
	"context"
	"sort"

	"ralphd/internal/logging"
)

// RRF parameters. k dampens the head of each ranking; the vector list
// carries more weight because embeddings capture paraphrase matches
// the keyword path misses.
const (
	rrfK          = 60
	keywordWeight = 0.3
	vectorWeight  = 0.7
)

// Search is the layer-1 entry point: hybrid when an embedding engine
// is configured, keyword-only otherwise.
func (ix *Index) Search(sessionID, query string, topK int) ([]IndexEntry, error) {
	if ix.embedder == nil {
		return ix.SearchIndex(sessionID, query, topK)
	}
	return ix.HybridSearch(context.Background(), sessionID, query, topK)
}

// HybridSearch fuses the keyword and vector rankings with Reciprocal
// Rank Fusion: each list contributes weight/(k+rank) per candidate.
// A vector-path failure degrades to keyword-only rather than erroring.
func (ix *Index) HybridSearch(ctx context.Context, sessionID, query string, topK int) ([]IndexEntry, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "HybridSearch")
	defer timer.Stop()

	if topK <= 0 {
		topK = 10
	}

	keyword, err := ix.SearchIndex(sessionID, query, topK*2)
	if err != nil {
		return nil, err
	}
	keywordRank := make(map[string]int, len(keyword))
	keywordEntry := make(map[string]IndexEntry, len(keyword))
	for i, e := range keyword {
		keywordRank[e.ID] = i + 1
		keywordEntry[e.ID] = e
	}

	vectorRank := map[string]int{}
	vectorEntry := map[string]IndexEntry{}
	if ix.embedder != nil {
		queryVec, err := ix.embedder.Embed(ctx, query)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("query embedding failed, keyword-only results: %v", err)
		} else {
			scored, err := ix.store.VectorTopK(sessionID, queryVec, topK*2)
			if err != nil {
				logging.Get(logging.CategoryMemory).Warn("vector search failed, keyword-only results: %v", err)
			} else {
				for i, sm := range scored {
					vectorRank[sm.Memory.ID] = i + 1
					vectorEntry[sm.Memory.ID] = IndexEntry{
						ID:       sm.Memory.ID,
						Summary:  summarize(sm.Memory.Content, 50),
						Category: sm.Memory.Category,
						Priority: sm.Memory.Priority,
					}
				}
			}
		}
	}

	combined := map[string]float64{}
	for id, rank := range keywordRank {
		combined[id] += keywordWeight / float64(rrfK+rank)
	}
	for id, rank := range vectorRank {
		combined[id] += vectorWeight / float64(rrfK+rank)
	}

	ids := make([]string, 0, len(combined))
	for id := range combined {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if combined[ids[i]] != combined[ids[j]] {
			return combined[ids[i]] > combined[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > topK {
		ids = ids[:topK]
	}

	results := make([]IndexEntry, 0, len(ids))
	for _, id := range ids {
		entry, ok := keywordEntry[id]
		if !ok {
			entry = vectorEntry[id]
		}
		entry.Score = combined[id]
		results = append(results, entry)
	}
	return results, nil
}

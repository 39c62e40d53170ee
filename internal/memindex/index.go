// Package memindex implements progressive-disclosure retrieval over
// session memories. Three layers trade recall depth for token budget:
// a 50-token index, a 150-token timeline with neighbors, and full
// content capped near 500 tokens. When an embedding engine is present
// the index layer upgrades to hybrid keyword+vector ranking.
package memindex

import (
	"sort"
	"strings"
	"time"

	"ralphd/internal/embedding"
	"ralphd/internal/logging"
	"ralphd/internal/store"
	"ralphd/internal/types"
)

// Index serves layered memory retrieval.
type Index struct {
	store    *store.Store
	embedder embedding.Engine // nil disables the vector path
}

// New creates a memory index. embedder may be nil.
func New(s *store.Store, embedder embedding.Engine) *Index {
	return &Index{store: s, embedder: embedder}
}

// IndexEntry is a layer-1 result: enough to decide whether to drill
// down, at roughly 50 tokens.
type IndexEntry struct {
	ID       string               `json:"id"`
	Summary  string               `json:"summary"`
	Category types.MemoryCategory `json:"category"`
	Priority types.MemoryPriority `json:"priority"`
	Score    float64              `json:"score"`
}

// TimelineEntry is a layer-2 result: a medium summary plus the
// summaries of the neighboring memories in insertion order.
type TimelineEntry struct {
	ID            string               `json:"id"`
	Summary       string               `json:"summary"`
	Category      types.MemoryCategory `json:"category"`
	CreatedAt     time.Time            `json:"created_at"`
	ContextBefore *string              `json:"context_before"`
	ContextAfter  *string              `json:"context_after"`
}

// FullEntry is a layer-3 result: complete content capped at 2000 chars.
type FullEntry struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Category  types.MemoryCategory   `json:"category"`
	Priority  types.MemoryPriority   `json:"priority"`
	CreatedAt time.Time              `json:"created_at"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// SearchIndex runs the layer-1 keyword search. The store's full-text
// index supplies candidates; the final score is the fraction of
// distinct query tokens present in the content. Ties break by priority
// then recency.
func (ix *Index) SearchIndex(sessionID, query string, topK int) ([]IndexEntry, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "SearchIndex")
	defer timer.Stop()

	if topK <= 0 {
		topK = 20
	}

	tokens := distinctTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	candidates, err := ix.store.SearchMemories(sessionID, query, topK)
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(candidates))
	for _, m := range candidates {
		entries = append(entries, IndexEntry{
			ID:       m.ID,
			Summary:  summarize(m.Content, 50),
			Category: m.Category,
			Priority: m.Priority,
			Score:    keywordScore(m.Content, tokens),
		})
	}
	sortEntries(entries, candidates)
	return entries, nil
}

// GetTimeline runs layer 2 for the given ids: each memory's 150-char
// summary plus its immediate neighbors in session insertion order.
// Edge memories have nil neighbors.
func (ix *Index) GetTimeline(sessionID string, ids []string) ([]TimelineEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	all, err := ix.store.MemoriesForSession(sessionID, "", 0)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var entries []TimelineEntry
	for i, m := range all {
		if !wanted[m.ID] {
			continue
		}
		entry := TimelineEntry{
			ID:        m.ID,
			Summary:   summarize(m.Content, 150),
			Category:  m.Category,
			CreatedAt: m.CreatedAt,
		}
		if i > 0 {
			s := summarize(all[i-1].Content, 50)
			entry.ContextBefore = &s
		}
		if i < len(all)-1 {
			s := summarize(all[i+1].Content, 50)
			entry.ContextAfter = &s
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetFull runs layer 3: complete content for the given ids, newest
// first. Each read bumps the memory's access count, which feeds the
// curation score.
func (ix *Index) GetFull(sessionID string, ids []string) ([]FullEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	all, err := ix.store.MemoriesForSession(sessionID, "", 0)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var entries []FullEntry
	var touched []string
	for _, m := range all {
		if !wanted[m.ID] {
			continue
		}
		content := m.Content
		if len(content) > 2000 {
			content = content[:2000]
		}
		entries = append(entries, FullEntry{
			ID:        m.ID,
			Content:   content,
			Category:  m.Category,
			Priority:  m.Priority,
			CreatedAt: m.CreatedAt,
			Metadata:  m.Metadata,
		})
		touched = append(touched, m.ID)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })

	if err := ix.store.TouchMemories(touched); err != nil {
		logging.Get(logging.CategoryMemory).Warn("access tracking failed: %v", err)
	}
	return entries, nil
}

// ProgressiveResult wraps one layer's results with its token estimate.
type ProgressiveResult struct {
	Layer           string      `json:"layer"`
	Count           int         `json:"count"`
	EstimatedTokens int         `json:"estimated_tokens"`
	Results         interface{} `json:"results"`
}

// ProgressiveSearch fans out to the layer selected by depth (1=index,
// 2=timeline, 3=full). Depths beyond 3 clamp to 3; deeper layers reuse
// the layer-1 hit list for their id set.
func (ix *Index) ProgressiveSearch(sessionID, query string, depth, topK int) (*ProgressiveResult, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}
	if topK <= 0 {
		topK = 10
	}

	index, err := ix.Search(sessionID, query, topK)
	if err != nil {
		return nil, err
	}

	if depth == 1 {
		return &ProgressiveResult{
			Layer:           "index",
			Count:           len(index),
			EstimatedTokens: len(index) * 50,
			Results:         index,
		}, nil
	}

	ids := make([]string, len(index))
	for i, e := range index {
		ids[i] = e.ID
	}

	if depth == 2 {
		timeline, err := ix.GetTimeline(sessionID, ids)
		if err != nil {
			return nil, err
		}
		return &ProgressiveResult{
			Layer:           "timeline",
			Count:           len(timeline),
			EstimatedTokens: len(timeline) * 150,
			Results:         timeline,
		}, nil
	}

	full, err := ix.GetFull(sessionID, ids)
	if err != nil {
		return nil, err
	}
	return &ProgressiveResult{
		Layer:           "full",
		Count:           len(full),
		EstimatedTokens: len(full) * 500,
		Results:         full,
	}, nil
}

// summarize truncates content, appending an ellipsis when it cut
// something off.
func summarize(content string, max int) string {
	if len(content) <= max {
		return content
	}
	return content[:max] + "..."
}

// distinctTokens lowercases and dedupes whitespace-split query tokens.
func distinctTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// keywordScore is the fraction of distinct query tokens found in the
// content.
func keywordScore(content string, tokens []string) float64 {
	lower := strings.ToLower(content)
	matches := 0
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			matches++
		}
	}
	return float64(matches) / float64(len(tokens))
}

// sortEntries orders by score desc, then priority, then recency.
func sortEntries(entries []IndexEntry, candidates []*types.Memory) {
	created := make(map[string]time.Time, len(candidates))
	for _, m := range candidates {
		created[m.ID] = m.CreatedAt
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Priority.Rank() != entries[j].Priority.Rank() {
			return entries[i].Priority.Rank() > entries[j].Priority.Rank()
		}
		return created[entries[i].ID].After(created[entries[j].ID])
	})
}

package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphd/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.CreateSession("first run", 0)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Reopening the same file must not lose data or fail on existing schema.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	sessions, err := s2.ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Equal(t, "first run", sessions[0].TaskDescription)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("implement the parser", 100000)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, types.StatusActive, sess.Status)
	assert.Equal(t, 0, sess.CurrentTokens)

	got, err := s.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	updated, err := s.UpdateTokens(sess.ID, 50000)
	require.NoError(t, err)
	assert.Equal(t, 50000, updated.CurrentTokens)
	assert.InDelta(t, 0.5, updated.ContextUsage(), 0.001)

	// Token bounds.
	_, err = s.UpdateTokens(sess.ID, 100001)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = s.UpdateTokens(sess.ID, -1)
	assert.ErrorIs(t, err, types.ErrValidation)

	done, err := s.CompleteSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)

	// Terminal states are write-once.
	_, err = s.UpdateTokens(sess.ID, 10)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	_, err = s.TerminateSession(sess.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestSessionDefaultsAndValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateSession("", 0)
	assert.ErrorIs(t, err, types.ErrValidation)

	sess, err := s.CreateSession("defaults", 0)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultMaxTokens, sess.MaxTokens)

	_, err = s.GetSession("no-such-id")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestReviveInactiveSession(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("watched task", 0)
	require.NoError(t, err)

	_, err = s.MarkInactive(sess.ID)
	require.NoError(t, err)

	revived, err := s.ReviveSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, revived.Status)

	// Revive on an already-active session is a no-op.
	again, err := s.ReviveSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, again.Status)

	_, err = s.TerminateSession(sess.ID)
	require.NoError(t, err)
	_, err = s.ReviveSession(sess.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestFindByTaskReturnsNewest(t *testing.T) {
	s := newTestStore(t)

	task := "Auto-detected: claude:myproject"
	first, err := s.CreateSession(task, 0)
	require.NoError(t, err)
	_, err = s.CompleteSession(first.ID)
	require.NoError(t, err)

	second, err := s.CreateSession(task, 0)
	require.NoError(t, err)

	found, err := s.FindByTask(task)
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)

	_, err = s.FindByTask("Auto-detected: claude:other")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryAddAndList(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("memory test", 0)
	require.NoError(t, err)

	_, err = s.AddMemory("missing-session", "content", types.CategoryDecision, types.PriorityHigh, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.AddMemory(sess.ID, "", types.CategoryDecision, types.PriorityHigh, nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	m1, err := s.AddMemory(sess.ID, "chose sqlite over postgres", types.CategoryDecision, types.PriorityHigh, map[string]interface{}{"source": "fold"})
	require.NoError(t, err)
	_, err = s.AddMemory(sess.ID, "ran the migration", types.CategoryAction, types.PriorityNormal, nil)
	require.NoError(t, err)

	all, err := s.MemoriesForSession(sess.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, m1.ID, all[0].ID)
	assert.Equal(t, "fold", all[0].Metadata["source"])

	decisions, err := s.MemoriesForSession(sess.ID, types.CategoryDecision, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "chose sqlite over postgres", decisions[0].Content)

	limited, err := s.MemoriesForSession(sess.ID, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// Empty category defaults to "other", empty priority to "normal".
	m3, err := s.AddMemory(sess.ID, "misc note", "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, types.CategoryOther, m3.Category)
	assert.Equal(t, types.PriorityNormal, m3.Priority)
}

func TestSearchMemories(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("search test", 0)
	require.NoError(t, err)
	other, err := s.CreateSession("other session", 0)
	require.NoError(t, err)

	_, err = s.AddMemory(sess.ID, "database connection pooling fixed", types.CategoryError, types.PriorityHigh, nil)
	require.NoError(t, err)
	_, err = s.AddMemory(sess.ID, "renamed the config package", types.CategoryAction, types.PriorityNormal, nil)
	require.NoError(t, err)
	_, err = s.AddMemory(other.ID, "database schema drafted", types.CategoryDecision, types.PriorityNormal, nil)
	require.NoError(t, err)

	// Session-scoped search.
	hits, err := s.SearchMemories(sess.ID, "database", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "pooling")

	// Cross-session search sees both.
	hits, err = s.SearchMemories("", "database", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// Empty query matches nothing.
	hits, err = s.SearchMemories(sess.ID, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// FTS syntax characters must not break the query.
	_, err = s.SearchMemories(sess.ID, `"quoted" AND (weird)`, 10)
	require.NoError(t, err)
}

func TestTouchMemories(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("touch test", 0)
	require.NoError(t, err)
	mem, err := s.AddMemory(sess.ID, "tracked fact", types.CategoryContext, types.PriorityNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, mem.AccessCount)
	assert.Nil(t, mem.LastAccessedAt)

	require.NoError(t, s.TouchMemories([]string{mem.ID}))
	require.NoError(t, s.TouchMemories([]string{mem.ID}))

	got, err := s.GetMemory(mem.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.NotNil(t, got.LastAccessedAt)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("cascade test", 0)
	require.NoError(t, err)
	mem, err := s.AddMemory(sess.ID, "doomed memory", types.CategoryOther, types.PriorityLow, nil)
	require.NoError(t, err)
	_, err = s.CreateCheckpoint(sess.ID, "doomed checkpoint", nil, nil)
	require.NoError(t, err)

	deleted, err := s.DeleteSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetMemory(mem.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	cps, err := s.ListCheckpoints(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, cps)

	deleted, err = s.DeleteSession(sess.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCheckpointSnapshotSemantics(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("checkpoint test", 1000)
	require.NoError(t, err)
	_, err = s.UpdateTokens(sess.ID, 500)
	require.NoError(t, err)

	m1, err := s.AddMemory(sess.ID, "kept memory", types.CategoryDecision, types.PriorityHigh, nil)
	require.NoError(t, err)
	m2, err := s.AddMemory(sess.ID, "doomed memory", types.CategoryOther, types.PriorityLow, nil)
	require.NoError(t, err)

	cp, err := s.CreateCheckpoint(sess.ID, "before-refactor", map[string]interface{}{"phase": "green"}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, cp.ContextUsage, 0.001)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, cp.MemoriesSnapshot)

	// Memories added after the checkpoint are not in the snapshot.
	_, err = s.AddMemory(sess.ID, "later memory", types.CategoryAction, types.PriorityNormal, nil)
	require.NoError(t, err)
	got, err := s.GetCheckpoint(cp.ID)
	require.NoError(t, err)
	assert.Len(t, got.MemoriesSnapshot, 2)
	if diff := cmp.Diff(map[string]interface{}{"phase": "green"}, got.State); diff != "" {
		t.Errorf("state snapshot mismatch (-want +got):\n%s", diff)
	}

	// Restore reports deleted snapshot members instead of failing.
	_, err = s.DeleteMemory(m2.ID)
	require.NoError(t, err)
	view, err := s.RestoreCheckpoint(cp.ID)
	require.NoError(t, err)
	require.Len(t, view.Memories, 1)
	assert.Equal(t, m1.ID, view.Memories[0].ID)
	assert.Equal(t, []string{m2.ID}, view.Missing)
}

func TestLatestCheckpoint(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("latest test", 0)
	require.NoError(t, err)

	_, err = s.LatestCheckpoint(sess.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.CreateCheckpoint(sess.ID, "first", nil, nil)
	require.NoError(t, err)
	second, err := s.CreateCheckpoint(sess.ID, "second", nil, nil)
	require.NoError(t, err)

	latest, err := s.LatestCheckpoint(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestLineageChain(t *testing.T) {
	s := newTestStore(t)

	root, err := s.CreateSession("root task", 0)
	require.NoError(t, err)
	mid, err := s.CreateSession("mid task", 0)
	require.NoError(t, err)
	leaf, err := s.CreateSession("leaf task", 0)
	require.NoError(t, err)

	_, err = s.CreateLineage(root.ID, mid.ID, "context_critical", "continue from checkpoint", "")
	require.NoError(t, err)
	_, err = s.CreateLineage(mid.ID, leaf.ID, "loop_detected", "break the loop", "")
	require.NoError(t, err)

	chain, err := s.GetLineage(leaf.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, root.ID, chain[0].ID)
	assert.Equal(t, mid.ID, chain[1].ID)
	assert.Equal(t, leaf.ID, chain[2].ID)

	// A root session's chain is just itself.
	chain, err = s.GetLineage(root.ID)
	require.NoError(t, err)
	require.Len(t, chain, 1)

	// One parent per child.
	_, err = s.CreateLineage(root.ID, leaf.ID, "again", "", "")
	assert.ErrorIs(t, err, types.ErrStoreConflict)

	children, err := s.Children(mid.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, leaf.ID, children[0].ChildSessionID)
}

func TestApplyFold(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("fold test", 100000)
	require.NoError(t, err)
	_, err = s.UpdateTokens(sess.ID, 80000)
	require.NoError(t, err)

	result, err := s.ApplyFold(sess.ID, "fold-1", map[string]interface{}{"summary": "compressed"}, []MemoryInput{
		{Content: "decided on WAL mode", Category: types.CategoryDecision, Priority: types.PriorityHigh},
		{Content: "touched store.go", Category: types.CategoryContext, Priority: types.PriorityNormal},
		{Content: ""}, // skipped
	}, 20000)
	require.NoError(t, err)

	assert.Equal(t, 20000, result.Session.CurrentTokens)
	assert.Len(t, result.Memories, 2)
	assert.InDelta(t, 80.0, result.Checkpoint.ContextUsage, 0.001)
	assert.Equal(t, true, result.Checkpoint.Metadata["fold"])
	assert.Len(t, result.Checkpoint.MemoriesSnapshot, 2)

	// Folding a terminal session fails and writes nothing.
	_, err = s.CompleteSession(sess.ID)
	require.NoError(t, err)
	_, err = s.ApplyFold(sess.ID, "fold-2", nil, nil, 0)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestSpawnChild(t *testing.T) {
	s := newTestStore(t)

	parent, err := s.CreateSession("parent task", 100000)
	require.NoError(t, err)
	_, err = s.UpdateTokens(parent.ID, 95000)
	require.NoError(t, err)

	_, err = s.AddMemory(parent.ID, "key decision", types.CategoryDecision, types.PriorityHigh, nil)
	require.NoError(t, err)
	_, err = s.AddMemory(parent.ID, "fatal error seen", types.CategoryError, types.PriorityHigh, nil)
	require.NoError(t, err)
	_, err = s.AddMemory(parent.ID, "scratch note", types.CategoryOther, types.PriorityLow, nil)
	require.NoError(t, err)

	result, err := s.SpawnChild(parent.ID, "context_critical_reason_overflow", "continue the parent task", "parent task (continued)", []types.MemoryCategory{types.CategoryDecision, types.CategoryError})
	require.NoError(t, err)

	// Parent completed, child fresh with the same budget.
	assert.Equal(t, types.StatusCompleted, result.Parent.Status)
	assert.Equal(t, types.StatusActive, result.Child.Status)
	assert.Equal(t, 100000, result.Child.MaxTokens)
	assert.Equal(t, 0, result.Child.CurrentTokens)

	// Reason truncated to 20 chars in the checkpoint label.
	assert.Equal(t, "spawn-context_critical_rea", result.Checkpoint.Label)

	// Only preserved categories carried over.
	assert.Equal(t, 2, result.Copied)
	childMems, err := s.MemoriesForSession(result.Child.ID, "", 0)
	require.NoError(t, err)
	assert.Len(t, childMems, 2)

	// Lineage recorded and walkable.
	chain, err := s.GetLineage(result.Child.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, parent.ID, chain[0].ID)

	// Spawning from a terminal parent fails.
	_, err = s.SpawnChild(parent.ID, "again", "", "task", nil)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestVectorSearchFallback(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("vector test", 0)
	require.NoError(t, err)

	m1, err := s.AddMemory(sess.ID, "about databases", types.CategoryContext, types.PriorityNormal, nil)
	require.NoError(t, err)
	m2, err := s.AddMemory(sess.ID, "about networking", types.CategoryContext, types.PriorityNormal, nil)
	require.NoError(t, err)
	m3, err := s.AddMemory(sess.ID, "no embedding", types.CategoryContext, types.PriorityNormal, nil)
	require.NoError(t, err)

	require.NoError(t, s.SetEmbedding(m1.ID, []float32{1, 0, 0}))
	require.NoError(t, s.SetEmbedding(m2.ID, []float32{0, 1, 0}))
	assert.ErrorIs(t, s.SetEmbedding("missing", []float32{1}), types.ErrNotFound)

	pending, err := s.MemoriesWithoutEmbedding(sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m3.ID, pending[0].ID)

	results, err := s.VectorTopK(sess.ID, []float32{0.9, 0.1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, m1.ID, results[0].Memory.ID)
	assert.Greater(t, results[0].Score, results[1].Score)

	// Roundtrip of the blob encoding.
	got, err := s.GetMemory(m1.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
}

func TestPatterns(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("pattern test", 0)
	require.NoError(t, err)

	_, err = s.SavePattern(&types.Pattern{SessionID: sess.ID})
	assert.ErrorIs(t, err, types.ErrValidation)

	p, err := s.SavePattern(&types.Pattern{
		SessionID:   sess.ID,
		Name:        "table-driven tests",
		Description: "use a slice of cases",
		Tags:        []string{"testing", "go"},
		SourceMode:  types.PatternLLM,
		SourceFiles: []string{"store_test.go"},
	})
	require.NoError(t, err)

	hits, err := s.SearchPatterns("table-driven", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, p.ID, hits[0].ID)
	assert.Equal(t, []string{"testing", "go"}, hits[0].Tags)

	hits, err = s.SearchPatterns("testing", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "tag match")

	bysession, err := s.PatternsForSession(sess.ID)
	require.NoError(t, err)
	assert.Len(t, bysession, 1)
}

func TestLlmConfigActiveSwitching(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ActiveLlmConfig()
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.UpsertLlmConfig("unknown-provider", []byte("x"), true)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.UpsertLlmConfig(types.ProviderAnthropic, []byte("cipher-a"), true)
	require.NoError(t, err)
	_, err = s.UpsertLlmConfig(types.ProviderOpenAI, []byte("cipher-o"), true)
	require.NoError(t, err)

	// Activating openai deactivated anthropic.
	active, err := s.ActiveLlmConfig()
	require.NoError(t, err)
	assert.Equal(t, types.ProviderOpenAI, active.Provider)

	anthro, err := s.GetLlmConfig(types.ProviderAnthropic)
	require.NoError(t, err)
	assert.False(t, anthro.IsActive)
	assert.Equal(t, []byte("cipher-a"), anthro.EncryptedAPIKey)

	deleted, err := s.DeleteLlmConfig(types.ProviderOpenAI)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.ActiveLlmConfig()
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestLlmConfigUpsertKeepsIdentity(t *testing.T) {
	s := newTestStore(t)

	first, err := s.UpsertLlmConfig(types.ProviderAnthropic, []byte("cipher-1"), false)
	require.NoError(t, err)

	second, err := s.UpsertLlmConfig(types.ProviderAnthropic, []byte("cipher-2"), true)
	require.NoError(t, err)

	// The conflict path updates in place: same row, new key material.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, []byte("cipher-2"), second.EncryptedAPIKey)
	assert.True(t, second.IsActive)

	stored, err := s.GetLlmConfig(types.ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
}

func TestCapabilitiesReported(t *testing.T) {
	s := newTestStore(t)

	caps := s.Capabilities()
	assert.True(t, caps.FTS, "bundled sqlite driver ships FTS5")
	if !caps.Vec {
		t.Log("vector search unavailable in this build")
	}
}

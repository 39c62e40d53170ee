package fold

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphd/internal/store"
)

// scriptedLLM returns a fixed reply, or an error when failing is set.
type scriptedLLM struct {
	reply   string
	failing bool
	calls   int
}

func (s *scriptedLLM) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	s.calls++
	if s.failing {
		return "", errors.New("provider down")
	}
	return s.reply, nil
}

func (s *scriptedLLM) Name() string { return "scripted" }

func newTestEngine(t *testing.T, reply string, failing bool) (*Engine, *store.Store, *scriptedLLM) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mock := &scriptedLLM{reply: reply, failing: failing}
	detector := NewProviderDetector(t.TempDir())
	return NewEngine(st, mock, detector), st, mock
}

const sampleReply = `SUMMARY:
Implemented the session store and wired retrieval.

DECISIONS:
- Use WAL mode for concurrent reads
* Keep a single writer lock

FILES:
- internal/store/store.go:42 - added capability probe

ERRORS:
- constraint violation on lineage -> mapped to conflict error

PROGRESS:
- store package complete
`

func TestParseCompressed(t *testing.T) {
	result := parseCompressed(sampleReply)

	assert.Equal(t, "Implemented the session store and wired retrieval.", result.Summary)
	assert.Equal(t, []string{"Use WAL mode for concurrent reads", "Keep a single writer lock"}, result.Decisions)
	assert.Equal(t, []string{"internal/store/store.go:42 - added capability probe"}, result.Files)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, []string{"store package complete"}, result.Progress)
}

func TestParseCompressedCaseInsensitive(t *testing.T) {
	result := parseCompressed("summary: all done\nDecisions:\n- pick A\n")
	assert.Equal(t, "all done", result.Summary)
	assert.Equal(t, []string{"pick A"}, result.Decisions)
}

func TestParseCompressedEmptySections(t *testing.T) {
	result := parseCompressed("SUMMARY:\n\nDECISIONS:\n\nFILES:\n")
	assert.Empty(t, result.Summary)
	assert.Empty(t, result.Decisions)
	assert.Empty(t, result.Files)
}

func TestCompressWithProvider(t *testing.T) {
	eng, _, mock := newTestEngine(t, sampleReply, false)

	trajectory := strings.Repeat("the agent did things. ", 200)
	result, err := eng.Compress(context.Background(), trajectory, 0.25)
	require.NoError(t, err)

	assert.Equal(t, 1, mock.calls)
	assert.False(t, result.Fallback)
	assert.Equal(t, len(trajectory)/4, result.OriginalTokens)
	assert.Equal(t, len(sampleReply)/4, result.CompressedTokens)
	assert.Greater(t, result.TokensSaved, 0)
	assert.Less(t, result.CompressionRatio, 1.0)
	assert.NotEmpty(t, result.Decisions)
}

func TestCompressFallbackOnFailure(t *testing.T) {
	eng, _, _ := newTestEngine(t, "", true)

	trajectory := "raw trajectory text"
	result, err := eng.Compress(context.Background(), trajectory, 0.25)
	require.NoError(t, err, "provider failure must not fail the compress call")

	assert.True(t, result.Fallback)
	assert.Equal(t, trajectory, result.Summary)
	assert.Equal(t, result.OriginalTokens, result.CompressedTokens)
	assert.Equal(t, 1.0, result.CompressionRatio)
}

func TestCompressWithoutProvider(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	eng := NewEngine(st, nil, NewProviderDetector(t.TempDir()))

	result, err := eng.Compress(context.Background(), "offline trajectory", 0)
	require.NoError(t, err)
	assert.True(t, result.Fallback)
}

func TestExecuteFold(t *testing.T) {
	eng, st, _ := newTestEngine(t, sampleReply, false)

	sess, err := st.CreateSession("fold me", 100000)
	require.NoError(t, err)
	_, err = st.UpdateTokens(sess.ID, 90000)
	require.NoError(t, err)

	outcome, err := eng.ExecuteFold(context.Background(), sess.ID, strings.Repeat("x", 4000), "")
	require.NoError(t, err)

	assert.Equal(t, 90000, outcome.TokensBefore)
	assert.Equal(t, len(sampleReply)/4, outcome.TokensAfter)
	assert.Greater(t, outcome.MemoriesWritten, 0)

	// The checkpoint carries the structured compression result.
	cp, err := st.GetCheckpoint(outcome.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, "auto-fold", cp.Label)
	assert.NotEmpty(t, cp.State["compressed_summary"])

	// The session's window actually shrank.
	after, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, outcome.TokensAfter, after.CurrentTokens)

	// Decision memories landed with high priority.
	decisions, err := st.MemoriesForSession(sess.ID, "decision", 0)
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
}

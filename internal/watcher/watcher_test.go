package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphd/internal/bus"
	"ralphd/internal/store"
	"ralphd/internal/types"
)

func newTestWatcher(t *testing.T) (*Watcher, *store.Store, *bus.Bus, string) {
	t.Helper()

	home := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(nil)
	w, err := New(st, b, home, 200_000)
	require.NoError(t, err)
	t.Cleanup(func() { w.fsw.Close() })

	return w, st, b, home
}

// writeTranscript writes a minimal transcript whose last assistant turn
// carries the given usage numbers.
func writeTranscript(t *testing.T, path string, input, cacheCreation, cacheRead int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	lines := []string{
		`{"type":"user","message":{"content":"hello"}}`,
		fmt.Sprintf(`{"type":"assistant","message":{"usage":{"input_tokens":%d,"cache_creation_input_tokens":%d,"cache_read_input_tokens":%d}}}`,
			input, cacheCreation, cacheRead),
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func TestDiscoverSources(t *testing.T) {
	home := t.TempDir()
	for _, dir := range []string{".claude", ".claude-glm", ".opencode"} {
		require.NoError(t, os.MkdirAll(filepath.Join(home, dir, "projects"), 0755))
	}
	// No projects/ subfolder: not a source.
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".claude-empty"), 0755))
	// Unrelated dot-dir.
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".config", "projects"), 0755))

	sources := DiscoverSources(home)
	require.Len(t, sources, 3)

	byName := map[string]Source{}
	for _, s := range sources {
		byName[s.Name] = s
	}
	assert.Equal(t, "#3B82F6", byName["claude"].Color)
	assert.Equal(t, "#10B981", byName["claude-glm"].Color)
	assert.Equal(t, "#8B5CF6", byName["opencode"].Color)
}

func TestDiscoverSourcesUnknownVariantGetsFallbackColor(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".claude-custom", "projects"), 0755))

	sources := DiscoverSources(home)
	require.Len(t, sources, 1)
	assert.Equal(t, "claude-custom", sources[0].Name)
	assert.Equal(t, unknownSourceColor, sources[0].Color)
}

func TestDecodeProjectName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"-home-alice-Documents-lab-myproj-ralph", "ralph"},
		{"-home-bob-Documents-api", "api"},
		{"-home-carol-code-thing", "code-thing"},
		{"-root-module", "root-module"},
		{"plain", "plain"},
		{"-home-dave-Documents-lab-x-" + strings.Repeat("part-", 12) + "a-b-c", "a-b-c"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DecodeProjectName(tc.in), "input %q", tc.in)
	}
}

func TestActiveTranscript(t *testing.T) {
	dir := t.TempDir()

	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.jsonl")
	agent := filepath.Join(dir, "agent-x.jsonl")
	for _, p := range []string{a, b, agent} {
		require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0644))
	}

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(a, old, old))
	// The agent file is newest but never counts.
	newest := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(agent, newest, newest))

	active, ok := ActiveTranscript(dir)
	require.True(t, ok)
	assert.Equal(t, b, active)
}

func TestActiveTranscriptEmptyDir(t *testing.T) {
	_, ok := ActiveTranscript(t.TempDir())
	assert.False(t, ok)
}

func TestReadTranscriptTokensExcludesCacheReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	writeTranscript(t, path, 1000, 500, 50_000)

	reading, err := ReadTranscriptTokens(path, 200_000)
	require.NoError(t, err)
	assert.Equal(t, 1500, reading.Tokens)
	assert.True(t, reading.Real)
}

func TestReadTranscriptTokensLastAssistantWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	lines := []string{
		`{"type":"assistant","message":{"usage":{"input_tokens":100,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}`,
		`{"type":"user","message":{"content":"more"}}`,
		`{"type":"assistant","message":{"usage":{"input_tokens":900,"cache_creation_input_tokens":100,"cache_read_input_tokens":0}}}`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644))

	reading, err := ReadTranscriptTokens(path, 200_000)
	require.NoError(t, err)
	assert.Equal(t, 1000, reading.Tokens)
}

func TestReadTranscriptTokensEstimateFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	content := strings.Repeat(`{"type":"user","message":{"content":"x"}}`+"\n", 10)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	reading, err := ReadTranscriptTokens(path, 200_000)
	require.NoError(t, err)
	assert.False(t, reading.Real)
	assert.Equal(t, len(content)/bytesPerToken+systemOverheadTokens, reading.Tokens)
}

func TestReadTranscriptTokensCappedAtMax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	writeTranscript(t, path, 500_000, 0, 0)

	reading, err := ReadTranscriptTokens(path, 200_000)
	require.NoError(t, err)
	assert.Equal(t, 200_000, reading.Tokens)
}

func TestReadTranscriptTokensTailOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")

	filler := strings.Repeat(`{"type":"user","message":{"content":"`+strings.Repeat("x", 200)+`"}}`+"\n", 100)
	last := `{"type":"assistant","message":{"usage":{"input_tokens":4200,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}`
	require.NoError(t, os.WriteFile(path, []byte(filler+last), 0644))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(transcriptTailSize), "fixture must exceed the tail window")

	reading, err := ReadTranscriptTokens(path, 200_000)
	require.NoError(t, err)
	assert.Equal(t, 4200, reading.Tokens)
	assert.True(t, reading.Real)
}

func TestProcessChangeCreatesSession(t *testing.T) {
	w, st, _, home := newTestWatcher(t)

	path := filepath.Join(home, ".claude", "projects", "-home-u-Documents-lab-x-ralph", "a.jsonl")
	writeTranscript(t, path, 1000, 200, 0)
	w.DetectSources()

	w.processChange(path)

	sess, err := st.FindByTask("Auto-detected: claude:ralph")
	require.NoError(t, err)
	assert.Equal(t, 1200, sess.CurrentTokens)
	assert.Equal(t, types.StatusActive, sess.Status)
}

func TestStaleTranscriptDropped(t *testing.T) {
	w, _, _, home := newTestWatcher(t)

	projectDir := filepath.Join(home, ".claude", "projects", "-home-u-Documents-lab-x-ralph")
	a := filepath.Join(projectDir, "a.jsonl")
	b := filepath.Join(projectDir, "b.jsonl")
	writeTranscript(t, a, 5000, 0, 0)
	writeTranscript(t, b, 8000, 0, 0)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(a, old, old))
	w.DetectSources()

	w.processChange(a) // stale, dropped
	w.processChange(b)

	status := w.Status()
	require.Len(t, status.Projects, 1)
	p := status.Projects[0]
	assert.Equal(t, "claude—ralph", p.Name)
	assert.Equal(t, 8000, p.CurrentTokens)
	assert.True(t, p.IsRealData)
	assert.Equal(t, b, p.TranscriptPath)
	assert.Equal(t, 8000, status.TotalTokens)
	assert.Equal(t, 4, p.Pct)
}

func TestDeletedActiveMarksInactive(t *testing.T) {
	w, st, _, home := newTestWatcher(t)

	path := filepath.Join(home, ".claude", "projects", "-home-u-Documents-lab-x-ralph", "a.jsonl")
	writeTranscript(t, path, 1000, 0, 0)
	w.DetectSources()
	w.processChange(path)

	require.NoError(t, os.Remove(path))
	w.handleDeleted(path)

	sess, err := st.FindByTask("Auto-detected: claude:ralph")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, sess.Status)
	assert.Empty(t, w.Status().Projects)
}

func TestUpsertRevivesInactiveSession(t *testing.T) {
	w, st, _, home := newTestWatcher(t)

	path := filepath.Join(home, ".claude", "projects", "-home-u-Documents-lab-x-ralph", "a.jsonl")
	writeTranscript(t, path, 1000, 0, 0)
	w.DetectSources()
	w.processChange(path)

	sess, err := st.FindByTask("Auto-detected: claude:ralph")
	require.NoError(t, err)
	_, err = st.MarkInactive(sess.ID)
	require.NoError(t, err)

	writeTranscript(t, path, 2000, 0, 0)
	w.processChange(path)

	sess, err = st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, sess.Status)
	assert.Equal(t, 2000, sess.CurrentTokens)
}

func TestUpsertAfterSpawnCreatesFreshSession(t *testing.T) {
	w, st, _, home := newTestWatcher(t)

	path := filepath.Join(home, ".claude", "projects", "-home-u-Documents-lab-x-ralph", "a.jsonl")
	writeTranscript(t, path, 1000, 0, 0)
	w.DetectSources()
	w.processChange(path)

	first, err := st.FindByTask("Auto-detected: claude:ralph")
	require.NoError(t, err)
	_, err = st.CompleteSession(first.ID)
	require.NoError(t, err)

	writeTranscript(t, path, 3000, 0, 0)
	w.processChange(path)

	latest, err := st.FindByTask("Auto-detected: claude:ralph")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, latest.ID)
	assert.Equal(t, types.StatusActive, latest.Status)
	assert.Equal(t, 3000, latest.CurrentTokens)
}

func TestBroadcastCoalescesUnchangedStatus(t *testing.T) {
	w, _, b, home := newTestWatcher(t)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)
	<-sub.C // init

	path := filepath.Join(home, ".claude", "projects", "-home-u-Documents-lab-x-ralph", "a.jsonl")
	writeTranscript(t, path, 1000, 0, 0)
	w.DetectSources()

	w.processChange(path)
	w.processChange(path) // identical content, must coalesce

	select {
	case ev := <-sub.C:
		assert.Equal(t, bus.EventUpdate, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("no update broadcast")
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected second broadcast: %v", ev.Name)
	default:
	}
}

func TestInitialSync(t *testing.T) {
	w, st, b, home := newTestWatcher(t)

	writeTranscript(t, filepath.Join(home, ".claude", "projects", "-home-u-Documents-lab-x-ralph", "a.jsonl"), 1000, 0, 0)
	writeTranscript(t, filepath.Join(home, ".claude-glm", "projects", "-home-u-Documents-api", "b.jsonl"), 2000, 0, 0)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	w.DetectSources()
	w.InitialSync()

	active, err := st.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, 2)

	status := w.Status()
	assert.Equal(t, 2, status.ProjectCount)
	assert.Equal(t, 3000, status.TotalTokens)
	// Highest token count sorts first.
	assert.Equal(t, "claude-glm—api", status.Projects[0].Name)
}

func TestStatusMergesBindingsPerProject(t *testing.T) {
	w, _, _, _ := newTestWatcher(t)

	w.mu.Lock()
	w.bindings["/t/a.jsonl"] = &Binding{
		TranscriptPath: "/t/a.jsonl", SourceName: "claude", SourceColor: "#3B82F6",
		ProjectName: "ralph", ProjectPath: "ralph", CurrentTokens: 5000, MaxTokens: 200_000,
		IsReal: true, LastUpdated: time.Now(),
	}
	w.bindings["/t/b.jsonl"] = &Binding{
		TranscriptPath: "/t/b.jsonl", SourceName: "claude", SourceColor: "#3B82F6",
		ProjectName: "ralph", ProjectPath: "ralph", CurrentTokens: 8000, MaxTokens: 200_000,
		IsReal: true, LastUpdated: time.Now(),
	}
	w.mu.Unlock()

	status := w.Status()
	require.Len(t, status.Projects, 1)
	assert.Equal(t, 8000, status.Projects[0].CurrentTokens)
	assert.Equal(t, "/t/b.jsonl", status.Projects[0].TranscriptPath)
}

func TestStartStop(t *testing.T) {
	w, _, _, home := newTestWatcher(t)

	writeTranscript(t, filepath.Join(home, ".claude", "projects", "-home-u-Documents-lab-x-ralph", "a.jsonl"), 1000, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx), "second start is a no-op")

	w.Stop()
	w.Stop() // idempotent
}

// Package watcher turns file-system events on assistant transcript
// directories into session token updates and dashboard broadcasts. It
// owns the transcript->(source, project, tokens) bindings; the store
// owns everything persistent.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"ralphd/internal/bus"
	"ralphd/internal/logging"
	"ralphd/internal/store"
	"ralphd/internal/types"
)

const (
	// throttleDelay is the minimum spacing between processed events for
	// one path; bursts within it settle into the deferred map.
	throttleDelay = 500 * time.Millisecond

	// gateGCWindow is how long an idle path keeps its rate limiter.
	gateGCWindow = 10 * time.Second

	// tickInterval paces deferred-event processing and gate GC.
	tickInterval = 250 * time.Millisecond
)

// Binding is the in-memory state for one watched transcript.
type Binding struct {
	TranscriptPath string
	SourceName     string
	SourceColor    string
	ProjectName    string
	ProjectPath    string
	CurrentTokens  int
	MaxTokens      int
	IsReal         bool
	LastUpdated    time.Time
}

// pathGate rate-limits events for one transcript path.
type pathGate struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Watcher converts transcript file events into store upserts and bus
// broadcasts.
type Watcher struct {
	store     *store.Store
	bus       *bus.Bus
	home      string
	maxTokens int

	mu       sync.RWMutex
	sources  []Source
	bindings map[string]*Binding // transcript path -> binding
	gates    map[string]*pathGate
	deferred map[string]time.Time
	lastHash string
	running  bool

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a watcher over the given home directory. home=="" uses
// the OS home dir. maxTokens caps auto-detected sessions.
func New(st *store.Store, b *bus.Bus, home string, maxTokens int) (*Watcher, error) {
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home dir: %w", err)
		}
		home = h
	}
	if maxTokens <= 0 {
		maxTokens = types.DefaultMaxTokens
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		store:     st,
		bus:       b,
		home:      home,
		maxTokens: maxTokens,
		bindings:  make(map[string]*Binding),
		gates:     make(map[string]*pathGate),
		deferred:  make(map[string]time.Time),
		fsw:       fsw,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// DetectSources re-scans home for assistant installations and stores
// the result as the active source set.
func (w *Watcher) DetectSources() []Source {
	sources := DiscoverSources(w.home)
	w.mu.Lock()
	w.sources = sources
	w.mu.Unlock()
	return sources
}

// Start detects sources, registers watches, performs the initial sync
// and launches the event loop. Non-blocking; idempotent.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	sources := w.DetectSources()
	logging.Watcher("Starting with %d sources", len(sources))

	for _, src := range sources {
		w.watchProjectsTree(src.ProjectsDir)
	}

	w.InitialSync()

	go w.run(ctx)
	return nil
}

// Stop shuts the event loop down and waits for it to drain.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.fsw.Close(); err != nil {
		logging.Get(logging.CategoryWatcher).Error("Error closing fs watcher: %v", err)
	}
	logging.Watcher("Stopped")
}

// watchProjectsTree registers the projects dir and each of its project
// subdirectories. fsnotify is not recursive; new project dirs are added
// from create events.
func (w *Watcher) watchProjectsTree(projectsDir string) {
	if err := w.fsw.Add(projectsDir); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("Cannot watch %s: %v", projectsDir, err)
		return
	}
	logging.Watcher("Watching %s", projectsDir)

	entries, err := os.ReadDir(projectsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(projectsDir, entry.Name())
		if err := w.fsw.Add(sub); err != nil {
			logging.Get(logging.CategoryWatcher).Warn("Cannot watch %s: %v", sub, err)
		}
	}
}

// InitialSync enumerates existing projects and upserts their sessions
// before any file event arrives, so the dashboard is populated at
// startup.
func (w *Watcher) InitialSync() {
	w.mu.RLock()
	sources := append([]Source(nil), w.sources...)
	w.mu.RUnlock()

	synced := 0
	for i, src := range sources {
		entries, err := os.ReadDir(src.ProjectsDir)
		if err != nil {
			logging.Get(logging.CategoryWatcher).Warn("Initial sync: cannot read %s: %v", src.ProjectsDir, err)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			projectDir := filepath.Join(src.ProjectsDir, entry.Name())
			active, ok := ActiveTranscript(projectDir)
			if !ok {
				continue
			}
			w.processChange(active)
			synced++
		}

		if w.bus != nil {
			w.bus.Broadcast(bus.EventSyncProgress, map[string]interface{}{
				"source": src.Name,
				"synced": synced,
				"total":  len(sources),
				"done":   i == len(sources)-1,
			})
		}
	}
	logging.Watcher("Initial sync complete: %d projects", synced)
}

// run is the event loop.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watcher("Context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Error("fsnotify: %v", err)

		case <-ticker.C:
			w.processDeferred()
		}
	}
}

// handleEvent classifies and throttles a single fs event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New project directories must join the watch set.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err == nil {
				logging.Watcher("Watching new project dir %s", event.Name)
			}
			return
		}
	}

	if !isTranscript(filepath.Base(event.Name)) {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.handleDeleted(event.Name)

	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if w.gate(event.Name).Allow() {
			w.processChange(event.Name)
			return
		}
		w.mu.Lock()
		w.deferred[event.Name] = time.Now()
		w.mu.Unlock()
	}
}

// gate returns the rate limiter for a path, creating it on first use.
func (w *Watcher) gate(path string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()

	g, ok := w.gates[path]
	if !ok {
		g = &pathGate{limiter: rate.NewLimiter(rate.Every(throttleDelay), 1)}
		w.gates[path] = g
	}
	g.lastSeen = time.Now()
	return g.limiter
}

// processDeferred drains throttled events whose delay has elapsed and
// garbage-collects idle gates.
func (w *Watcher) processDeferred() {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for path, t := range w.deferred {
		if now.Sub(t) >= throttleDelay {
			ready = append(ready, path)
			delete(w.deferred, path)
		}
	}
	for path, g := range w.gates {
		if now.Sub(g.lastSeen) > gateGCWindow {
			delete(w.gates, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.processChange(path)
	}
}

// processChange confirms a transcript is its project's active one,
// extracts tokens, upserts the session and broadcasts the new status.
// IO errors are absorbed; the next event retries.
func (w *Watcher) processChange(path string) {
	src, projectName, ok := w.resolve(path)
	if !ok {
		logging.WatcherDebug("Cannot resolve source/project for %s", path)
		return
	}

	projectDir := filepath.Dir(path)
	active, ok := ActiveTranscript(projectDir)
	if !ok || active != path {
		logging.WatcherDebug("Skipping inactive transcript %s", path)
		return
	}

	reading, err := ReadTranscriptTokens(path, w.maxTokens)
	if err != nil {
		logging.Get(logging.CategoryWatcher).Warn("Cannot read %s: %v", path, err)
		return
	}

	if err := w.upsertSession(src.Name, projectName, reading.Tokens); err != nil {
		logging.Get(logging.CategoryWatcher).Error("Session upsert failed for %s:%s: %v", src.Name, projectName, err)
		return
	}

	w.mu.Lock()
	w.bindings[path] = &Binding{
		TranscriptPath: path,
		SourceName:     src.Name,
		SourceColor:    src.Color,
		ProjectName:    projectName,
		ProjectPath:    projectName,
		CurrentTokens:  reading.Tokens,
		MaxTokens:      w.maxTokens,
		IsReal:         reading.Real,
		LastUpdated:    time.Now().UTC(),
	}
	w.mu.Unlock()

	logging.Watcher("Updated %s—%s: %d tokens (real=%v)", src.Name, projectName, reading.Tokens, reading.Real)
	w.broadcastStatus()
}

// handleDeleted marks the session inactive when the deleted file was
// the transcript the dashboard was showing for its project.
func (w *Watcher) handleDeleted(path string) {
	w.mu.Lock()
	binding, tracked := w.bindings[path]
	if tracked {
		delete(w.bindings, path)
	}
	w.mu.Unlock()

	if !tracked {
		return
	}

	task := sessionTask(binding.SourceName, binding.ProjectName)
	sess, err := w.store.FindByTask(task)
	if err == nil {
		if _, err := w.store.MarkInactive(sess.ID); err != nil && !errors.Is(err, types.ErrInvalidTransition) {
			logging.Get(logging.CategoryWatcher).Warn("Cannot mark %s inactive: %v", sess.ID, err)
		}
	}

	logging.Watcher("Transcript deleted, session inactive: %s—%s", binding.SourceName, binding.ProjectName)
	w.broadcastStatus()
}

// sessionTask is the canonical task key for auto-detected sessions.
// The literal string is the unique matching criterion in the store.
func sessionTask(source, project string) string {
	return fmt.Sprintf("Auto-detected: %s:%s", source, project)
}

// upsertSession finds or creates the session for a (source, project)
// pair and applies the token count. Terminal sessions (completed by a
// spawn) get a fresh row; inactive ones revive.
func (w *Watcher) upsertSession(source, project string, tokens int) error {
	task := sessionTask(source, project)

	sess, err := w.store.FindByTask(task)
	switch {
	case errors.Is(err, types.ErrNotFound):
		sess, err = w.store.CreateSession(task, w.maxTokens)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	case sess.Status.Terminal():
		sess, err = w.store.CreateSession(task, w.maxTokens)
		if err != nil {
			return err
		}
	case sess.Status == types.StatusInactive:
		if _, err := w.store.ReviveSession(sess.ID); err != nil {
			return err
		}
	}

	if tokens > sess.MaxTokens {
		tokens = sess.MaxTokens
	}
	if sess.CurrentTokens != tokens {
		if _, err := w.store.UpdateTokens(sess.ID, tokens); err != nil {
			return err
		}
	}
	return nil
}

// resolve maps a transcript path back to its source and decoded project
// name.
func (w *Watcher) resolve(path string) (Source, string, bool) {
	w.mu.RLock()
	sources := w.sources
	w.mu.RUnlock()

	sep := string(filepath.Separator)
	for _, src := range sources {
		prefix := src.ProjectsDir + sep
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rel := strings.TrimPrefix(path, prefix)
		parts := strings.Split(rel, sep)
		if len(parts) < 2 {
			return Source{}, "", false
		}
		return src, DecodeProjectName(parts[0]), true
	}

	// Fallback: the source set may be stale; parse the path itself.
	for _, part := range strings.Split(path, sep) {
		if strings.HasPrefix(part, ".claude") || part == ".opencode" {
			name := strings.TrimPrefix(part, ".")
			color, ok := sourceColors[part]
			if !ok {
				color = unknownSourceColor
			}
			projectDir := filepath.Base(filepath.Dir(path))
			return Source{Name: name, Color: color}, DecodeProjectName(projectDir), true
		}
	}
	return Source{}, "", false
}

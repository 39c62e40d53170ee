package watcher

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"ralphd/internal/bus"
)

// SourceStatus is one installation in the dashboard payload.
type SourceStatus struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ProjectStatus is one merged (source, project) row.
type ProjectStatus struct {
	Name           string       `json:"name"`
	ProjectPath    string       `json:"projectPath"`
	CurrentTokens  int          `json:"currentTokens"`
	MaxTokens      int          `json:"maxTokens"`
	ContextUsage   float64      `json:"contextUsage"`
	Pct            int          `json:"pct"`
	LastUpdated    string       `json:"lastUpdated"`
	IsRealData     bool         `json:"isRealData"`
	Source         SourceStatus `json:"source"`
	TranscriptPath string       `json:"transcriptPath"`
}

// Status is the full dashboard snapshot, also used as the init payload
// for new SSE subscribers.
type Status struct {
	Connected    bool            `json:"connected"`
	ProjectCount int             `json:"projectCount"`
	Projects     []ProjectStatus `json:"projects"`
	Sources      []SourceStatus  `json:"sources"`
	TotalTokens  int             `json:"totalTokens"`
	Timestamp    string          `json:"timestamp"`
}

// Status builds the current snapshot. Bindings sharing a (source,
// project) pair collapse to the one with the most tokens; rows sort by
// token count descending.
func (w *Watcher) Status() *Status {
	w.mu.RLock()

	grouped := make(map[string]*Binding)
	for _, b := range w.bindings {
		key := b.SourceName + "—" + b.ProjectName
		if cur, ok := grouped[key]; !ok || b.CurrentTokens > cur.CurrentTokens {
			grouped[key] = b
		}
	}

	projects := make([]ProjectStatus, 0, len(grouped))
	total := 0
	for name, b := range grouped {
		usage := 0.0
		if b.MaxTokens > 0 {
			usage = math.Min(0.99, float64(b.CurrentTokens)/float64(b.MaxTokens))
		}
		projects = append(projects, ProjectStatus{
			Name:           name,
			ProjectPath:    b.ProjectPath,
			CurrentTokens:  b.CurrentTokens,
			MaxTokens:      b.MaxTokens,
			ContextUsage:   usage,
			Pct:            int(math.Round(usage * 100)),
			LastUpdated:    b.LastUpdated.Format(time.RFC3339),
			IsRealData:     b.IsReal,
			Source:         SourceStatus{Name: b.SourceName, Color: b.SourceColor},
			TranscriptPath: b.TranscriptPath,
		})
		total += b.CurrentTokens
	}

	sources := make([]SourceStatus, 0, len(w.sources))
	for _, s := range w.sources {
		sources = append(sources, SourceStatus{Name: s.Name, Color: s.Color})
	}
	w.mu.RUnlock()

	sort.Slice(projects, func(i, j int) bool {
		if projects[i].CurrentTokens != projects[j].CurrentTokens {
			return projects[i].CurrentTokens > projects[j].CurrentTokens
		}
		return projects[i].Name < projects[j].Name
	})

	return &Status{
		Connected:    true,
		ProjectCount: len(projects),
		Projects:     projects,
		Sources:      sources,
		TotalTokens:  total,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
}

// statusHash fingerprints the visible project rows so identical
// consecutive broadcasts can be skipped.
func statusHash(projects []ProjectStatus) string {
	h := md5.New()
	for _, p := range projects {
		fmt.Fprintf(h, "%s:%d|", p.Name, p.CurrentTokens)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// broadcastStatus emits an update event unless nothing visible changed
// since the previous broadcast.
func (w *Watcher) broadcastStatus() {
	if w.bus == nil {
		return
	}

	status := w.Status()
	hash := statusHash(status.Projects)

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = hash
	w.mu.Unlock()

	w.bus.Broadcast(bus.EventUpdate, status)
}

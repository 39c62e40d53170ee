package watcher

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"ralphd/internal/logging"
)

// Source is one assistant installation whose transcripts we watch.
type Source struct {
	Name        string // directory name stripped of the leading dot
	ProjectsDir string
	Color       string
}

// sourceColors is the fixed display-color table for known installs.
var sourceColors = map[string]string{
	".claude":     "#3B82F6",
	".claude-glm": "#10B981",
	".claude-gml": "#F59E0B",
	".opencode":   "#8B5CF6",
}

const unknownSourceColor = "#6B7280"

// DiscoverSources scans home for assistant installations: dot-dirs whose
// name starts with ".claude" or equals ".opencode" and that contain a
// projects/ subfolder.
func DiscoverSources(home string) []Source {
	entries, err := os.ReadDir(home)
	if err != nil {
		logging.Get(logging.CategoryWatcher).Warn("Cannot read home dir %s: %v", home, err)
		return nil
	}

	var sources []Source
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, ".claude") && name != ".opencode" {
			continue
		}
		projectsDir := filepath.Join(home, name, "projects")
		if info, err := os.Stat(projectsDir); err != nil || !info.IsDir() {
			continue
		}

		color, ok := sourceColors[name]
		if !ok {
			color = unknownSourceColor
		}
		sources = append(sources, Source{
			Name:        strings.TrimPrefix(name, "."),
			ProjectsDir: projectsDir,
			Color:       color,
		})
	}
	return sources
}

// projectPrefixPatterns strip the URL-like encoding of home-relative
// paths from project directory names. Applied in order; most names only
// match one.
var projectPrefixPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^-home-[^-]+-Documents-lab-[^-]+-`),
	regexp.MustCompile(`^-home-[^-]+-Documents-lab-`),
	regexp.MustCompile(`^-home-[^-]+-Documents-`),
	regexp.MustCompile(`^-home-[^-]+-`),
	regexp.MustCompile(`^-home`),
	regexp.MustCompile(`^-`),
}

// DecodeProjectName turns an encoded project directory name into a
// display name. Overlong names collapse to their trailing three dash
// components, which is lossy when folder names themselves contain
// dashes.
func DecodeProjectName(dir string) string {
	name := dir
	for _, pattern := range projectPrefixPatterns {
		name = pattern.ReplaceAllString(name, "")
	}

	if len(name) > 40 {
		parts := strings.Split(name, "-")
		if len(parts) > 3 {
			parts = parts[len(parts)-3:]
		}
		name = strings.Join(parts, "-")
	}
	return name
}

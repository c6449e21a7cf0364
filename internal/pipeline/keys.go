package pipeline

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/FairForge/recording-relay/internal/graph"
)

// KeyTemplate renders storage keys from recording fields. Supported
// placeholders: {id}, {name}, {date} (UTC, 2006-01-02) and {run}.
type KeyTemplate string

var knownPlaceholders = []string{"{id}", "{name}", "{date}", "{run}"}

// Validate rejects empty templates, unknown placeholders and templates that
// would render an absolute, parent-relative or container-root key.
func (t KeyTemplate) Validate() error {
	s := string(t)
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("key template is empty")
	}
	rest := s
	for _, p := range knownPlaceholders {
		rest = strings.ReplaceAll(rest, p, "")
	}
	if i := strings.IndexByte(rest, '{'); i >= 0 {
		return fmt.Errorf("key template %q has unknown placeholder near %q", s, rest[i:])
	}
	if strings.HasPrefix(s, "/") || strings.Contains(s, "..") {
		return fmt.Errorf("key template %q must be relative", s)
	}
	// Placeholders always render to a non-empty segment.
	sample := s
	for _, p := range knownPlaceholders {
		sample = strings.ReplaceAll(sample, p, "x")
	}
	if path.Clean(sample) == "." {
		return fmt.Errorf("key template %q does not name an object", s)
	}
	return nil
}

// PerItem reports whether two different recordings can render different
// keys. A template without {id} or {name} sends every recording in a run to
// the same object.
func (t KeyTemplate) PerItem() bool {
	return strings.Contains(string(t), "{id}") || strings.Contains(string(t), "{name}")
}

// Render builds the storage key for rec.
func (t KeyTemplate) Render(rec graph.Recording, runID string, now time.Time) string {
	r := strings.NewReplacer(
		"{id}", sanitizeSegment(rec.ID),
		"{name}", sanitizeSegment(rec.Name),
		"{date}", now.UTC().Format("2006-01-02"),
		"{run}", runID,
	)
	return path.Clean(r.Replace(string(t)))
}

// sanitizeSegment keeps a value inside one path segment.
func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

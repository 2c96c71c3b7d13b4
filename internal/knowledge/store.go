// Package knowledge persists error-pattern/fix lessons between pipeline
// runs. The store is advisory: every failure here degrades to "no known
// issues" and is never allowed to fail a stage.
package knowledge

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/storyflowhq/storyflow/internal/stage"
)

// maxPatternLen truncates recorded error text to something that still
// matches as a pattern without dragging full agent output into the file.
const maxPatternLen = 200

type lessonRecord struct {
	ID        string    `yaml:"id"`
	Stage     string    `yaml:"stage"`
	Pattern   string    `yaml:"pattern"`
	Fix       string    `yaml:"fix"`
	Uses      int       `yaml:"uses"`
	Successes int       `yaml:"successes"`
	Created   time.Time `yaml:"created"`
}

type document struct {
	Lessons []lessonRecord `yaml:"lessons"`
}

// Store is a YAML-file-backed lesson store.
type Store struct {
	path string

	mu  sync.Mutex
	doc document
}

var _ stage.LessonSource = (*Store)(nil)

// Open loads the lesson file at path. A missing or unreadable file yields
// an empty store, not an error.
func Open(path string) *Store {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("WARNING: reading lesson store %s: %v", path, err)
		}
		return s
	}
	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		log.Printf("WARNING: parsing lesson store %s: %v (starting empty)", path, err)
		s.doc = document{}
	}
	return s
}

// Lessons returns up to limit lessons for the stage, most useful first
// (successes, then uses, then recency).
func (s *Store) Lessons(stageName string, limit int) []stage.Lesson {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]lessonRecord, 0)
	for _, rec := range s.doc.Lessons {
		if rec.Stage == stageName {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Successes != matched[j].Successes {
			return matched[i].Successes > matched[j].Successes
		}
		if matched[i].Uses != matched[j].Uses {
			return matched[i].Uses > matched[j].Uses
		}
		return matched[i].Created.After(matched[j].Created)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]stage.Lesson, 0, len(matched))
	for _, rec := range matched {
		out = append(out, stage.Lesson{ID: rec.ID, Pattern: rec.Pattern, Fix: rec.Fix})
	}
	return out
}

// RecordUsed bumps the counters of lessons that were in context when a
// stage recovered. Best-effort.
func (s *Store) RecordUsed(stageName string, lessonIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]bool, len(lessonIDs))
	for _, id := range lessonIDs {
		ids[id] = true
	}

	changed := false
	for i := range s.doc.Lessons {
		rec := &s.doc.Lessons[i]
		if rec.Stage == stageName && ids[rec.ID] {
			rec.Uses++
			rec.Successes++
			changed = true
		}
	}
	if changed {
		s.save()
	}
}

// RecordNew persists a fresh failure->fix pair. Duplicate patterns for the
// same stage bump the existing record instead of multiplying entries.
func (s *Store) RecordNew(stageName, errText, fixText string) {
	pattern := normalizePattern(errText)
	if pattern == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Lessons {
		rec := &s.doc.Lessons[i]
		if rec.Stage == stageName && rec.Pattern == pattern {
			rec.Uses++
			s.save()
			return
		}
	}

	s.doc.Lessons = append(s.doc.Lessons, lessonRecord{
		ID:      uuid.NewString(),
		Stage:   stageName,
		Pattern: pattern,
		Fix:     fixText,
		Uses:    1,
		Created: time.Now().UTC(),
	})
	s.save()
}

// Len returns the number of stored lessons.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Lessons)
}

// save writes the document atomically (temp file + rename). Errors are
// logged, never propagated: lesson persistence must not fail a stage.
func (s *Store) save() {
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		log.Printf("WARNING: marshaling lesson store: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		log.Printf("WARNING: creating lesson store directory: %v", err)
		return
	}
	tmp := fmt.Sprintf("%s.tmp-%d", s.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Printf("WARNING: writing lesson store: %v", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		log.Printf("WARNING: replacing lesson store: %v", err)
	}
}

// normalizePattern reduces raw error text to a stable, compact pattern:
// first non-empty line, trimmed, capped.
func normalizePattern(errText string) string {
	for _, line := range strings.Split(errText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxPatternLen {
			line = line[:maxPatternLen]
		}
		return line
	}
	return ""
}

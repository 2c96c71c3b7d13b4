// Package story manages the markdown backlog. Each story is a single
// `stories/<name>.md` file:
//
//	# ST-42: Add pagination to the user list
//
//	Free-form description...
//
//	## Acceptance
//	- [ ] page size is configurable
//	- [x] default page size is 20
//
// A story is open while any acceptance box is unchecked. Completed stories
// are moved into a done/ subdirectory so the backlog stays small.
package story

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Criterion is one acceptance checkbox.
type Criterion struct {
	Text string
	Done bool
}

// Story is a parsed backlog entry.
type Story struct {
	ID          string
	Title       string
	Description string
	Acceptance  []Criterion
	Path        string
}

// Open reports whether the story still has unchecked acceptance criteria.
// A story without any criteria counts as open until explicitly completed.
func (s *Story) Open() bool {
	if len(s.Acceptance) == 0 {
		return true
	}
	for _, c := range s.Acceptance {
		if !c.Done {
			return true
		}
	}
	return false
}

// Body returns the description plus acceptance criteria as prompt-ready text.
func (s *Story) Body() string {
	var b strings.Builder
	b.WriteString(s.Title)
	if s.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(s.Description)
	}
	if len(s.Acceptance) > 0 {
		b.WriteString("\n\nAcceptance criteria:\n")
		for _, c := range s.Acceptance {
			mark := " "
			if c.Done {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Text)
		}
	}
	return b.String()
}

var (
	headerRe   = regexp.MustCompile(`^#\s+([A-Za-z0-9_-]+):\s*(.+)$`)
	checkboxRe = regexp.MustCompile(`^-\s*\[([ xX])\]\s*(.+)$`)
)

// Parse reads a story from markdown source. The first line must be the
// `# ID: title` header; everything before `## Acceptance` is description.
func Parse(src, path string) (*Story, error) {
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")

	var s Story
	s.Path = path

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return nil, fmt.Errorf("story %s is empty", path)
	}
	m := headerRe.FindStringSubmatch(strings.TrimSpace(lines[i]))
	if m == nil {
		return nil, fmt.Errorf("story %s: first line must be `# ID: title`", path)
	}
	s.ID = m[1]
	s.Title = strings.TrimSpace(m[2])
	i++

	var desc []string
	inAcceptance := false
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if strings.EqualFold(line, "## Acceptance") {
			inAcceptance = true
			continue
		}
		if inAcceptance {
			if cm := checkboxRe.FindStringSubmatch(line); cm != nil {
				s.Acceptance = append(s.Acceptance, Criterion{
					Text: strings.TrimSpace(cm[2]),
					Done: cm[1] != " ",
				})
			} else if strings.HasPrefix(line, "## ") {
				inAcceptance = false
				desc = append(desc, lines[i])
			}
			continue
		}
		desc = append(desc, lines[i])
	}
	s.Description = strings.TrimSpace(strings.Join(desc, "\n"))

	return &s, nil
}

// Load parses a story file from disk.
func Load(path string) (*Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read story: %w", err)
	}
	return Parse(string(data), path)
}

// List loads every story in dir, sorted by filename. Unparseable files are
// reported and skipped so one bad file does not block the backlog.
func List(dir string) ([]*Story, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stories dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var stories []*Story
	var parseErrs []string
	for _, name := range names {
		s, err := Load(filepath.Join(dir, name))
		if err != nil {
			parseErrs = append(parseErrs, err.Error())
			continue
		}
		stories = append(stories, s)
	}
	if len(stories) == 0 && len(parseErrs) > 0 {
		return nil, fmt.Errorf("no parseable stories in %s: %s", dir, strings.Join(parseErrs, "; "))
	}
	return stories, nil
}

// NextOpen returns the first open story in filename order, or nil when the
// backlog is clear.
func NextOpen(dir string) (*Story, error) {
	stories, err := List(dir)
	if err != nil {
		return nil, err
	}
	for _, s := range stories {
		if s.Open() {
			return s, nil
		}
	}
	return nil, nil
}

// Find returns the story with the given ID from dir.
func Find(dir, id string) (*Story, error) {
	stories, err := List(dir)
	if err != nil {
		return nil, err
	}
	for _, s := range stories {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("story %q not found in %s", id, dir)
}

// Complete checks every acceptance box in the story file and moves it to a
// done/ subdirectory next to the backlog.
func Complete(s *Story) error {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("failed to read story: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if cm := checkboxRe.FindStringSubmatch(trimmed); cm != nil && cm[1] == " " {
			lines[i] = strings.Replace(line, "- [ ]", "- [x]", 1)
		}
	}

	doneDir := filepath.Join(filepath.Dir(s.Path), "done")
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		return fmt.Errorf("failed to create done dir: %w", err)
	}
	dest := filepath.Join(doneDir, filepath.Base(s.Path))
	if err := os.WriteFile(dest, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("failed to write completed story: %w", err)
	}
	if err := os.Remove(s.Path); err != nil {
		return fmt.Errorf("failed to remove original story: %w", err)
	}
	s.Path = dest
	for i := range s.Acceptance {
		s.Acceptance[i].Done = true
	}
	return nil
}

package playbook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

var delim = []byte("---")

// frontmatter is the YAML header of an article file.
type frontmatter struct {
	Title       string   `yaml:"title"`
	Slug        string   `yaml:"slug"`
	Summary     string   `yaml:"summary"`
	Tags        []string `yaml:"tags"`
	BabyAgeMin  *int     `yaml:"babyAgeMin"`
	BabyAgeMax  *int     `yaml:"babyAgeMax"`
	PublishedAt string   `yaml:"publishedAt"`
}

// Entry is one loaded article with its body.
type Entry struct {
	nudge.Article
	Body        string
	BabyAgeMin  *int
	BabyAgeMax  *int
	PublishedAt time.Time
	Path        string
}

// Library is an in-memory article index keyed by slug. It is safe for
// concurrent use; Reload swaps the whole index.
type Library struct {
	dir string

	mu      sync.RWMutex
	entries map[string]Entry
}

// LoadDir reads every .md and .mdx file in dir. An empty dir yields an empty
// library.
func LoadDir(dir string) (*Library, error) {
	l := &Library{dir: dir, entries: map[string]Entry{}}
	if dir == "" {
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the library directory.
func (l *Library) Reload() error {
	names, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("playbook: read dir %q: %w", l.dir, err)
	}
	entries := make(map[string]Entry)
	for _, de := range names {
		ext := strings.ToLower(filepath.Ext(de.Name()))
		if de.IsDir() || (ext != ".md" && ext != ".mdx") {
			continue
		}
		path := filepath.Join(l.dir, de.Name())
		e, err := LoadFile(path)
		if err != nil {
			return err
		}
		if prev, dup := entries[e.Key]; dup {
			return fmt.Errorf("playbook: slug %q defined by %s and %s", e.Key, prev.Path, path)
		}
		entries[e.Key] = e
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return nil
}

// LoadFile parses one article. The slug defaults to the file name without
// its extension; tags default to empty.
func LoadFile(path string) (Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("playbook: read %q: %w", path, err)
	}
	fm, body, err := split(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("playbook: %s: %w", path, err)
	}

	var meta frontmatter
	if err := yaml.Unmarshal(fm, &meta); err != nil {
		return Entry{}, fmt.Errorf("playbook: %s: parse frontmatter: %w", path, err)
	}
	if strings.TrimSpace(meta.Title) == "" {
		return Entry{}, fmt.Errorf("playbook: %s: title is required", path)
	}
	slug := meta.Slug
	if slug == "" {
		slug = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	e := Entry{
		Article: nudge.Article{
			Key:     slug,
			Title:   meta.Title,
			Summary: meta.Summary,
			Tags:    meta.Tags,
		},
		Body:       strings.TrimSpace(string(body)),
		BabyAgeMin: meta.BabyAgeMin,
		BabyAgeMax: meta.BabyAgeMax,
		Path:       path,
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if meta.PublishedAt != "" {
		t, err := parseDate(meta.PublishedAt)
		if err != nil {
			return Entry{}, fmt.Errorf("playbook: %s: publishedAt: %w", path, err)
		}
		e.PublishedAt = t
	}
	return e, nil
}

// split separates "---\n<yaml>\n---\n<body>". A file without a header is all body.
func split(raw []byte) (fm, body []byte, err error) {
	raw = bytes.TrimPrefix(raw, []byte("\ufeff"))
	if !bytes.HasPrefix(raw, delim) {
		return nil, raw, nil
	}
	rest := raw[len(delim):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 || strings.TrimSpace(string(rest[:nl])) != "" {
		return nil, raw, nil
	}
	rest = rest[nl+1:]

	for off := 0; off < len(rest); {
		end := bytes.IndexByte(rest[off:], '\n')
		line := rest[off:]
		next := len(rest)
		if end >= 0 {
			line = rest[off : off+end]
			next = off + end + 1
		}
		if bytes.Equal(bytes.TrimRight(line, " \r"), delim) {
			return rest[:off], rest[next:], nil
		}
		off = next
	}
	return nil, nil, errors.New("unterminated frontmatter")
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// Articles returns the articles for the keys that exist. Missing keys are
// left out.
func (l *Library) Articles(_ context.Context, keys []string) (map[string]nudge.Article, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]nudge.Article, len(keys))
	for _, k := range keys {
		if e, ok := l.entries[k]; ok {
			out[k] = e.Article
		}
	}
	return out, nil
}

// Get returns the entry for slug.
func (l *Library) Get(slug string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[slug]
	return e, ok
}

// All returns every entry sorted by title.
func (l *Library) All() []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// Len returns the number of loaded articles.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

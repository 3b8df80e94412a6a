// Package glob compiles ordered include/exclude glob patterns.
//
// A pattern starting with "!" is an exclusion. Exclusions ending in "/"
// cover everything below that directory. Patterns use doublestar syntax, so
// "**" crosses directory boundaries.
//
// Two operations share the patterns but treat them differently. Match is a
// conjunction: a path matches only if every inclusion matches it and no
// exclusion does. Snapshot is sequential set algebra over the filesystem:
// inclusions add their glob expansion, exclusions remove from what earlier
// patterns contributed.
package glob

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type pattern struct {
	raw    string
	glob   string
	negate bool
	valid  bool
}

// Matcher is a compiled pattern list.
type Matcher struct {
	patterns []pattern
}

// Compile builds a Matcher. It never fails: a pattern doublestar cannot
// parse is compared as a literal path.
func Compile(patterns []string) *Matcher {
	m := &Matcher{patterns: make([]pattern, 0, len(patterns))}
	for _, raw := range patterns {
		if p, ok := parse(raw); ok {
			m.patterns = append(m.patterns, p)
		}
	}
	return m
}

func parse(raw string) (pattern, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "!" {
		return pattern{}, false
	}

	p := pattern{raw: raw}
	if strings.HasPrefix(trimmed, "!") {
		p.negate = true
		trimmed = trimmed[1:]
		if strings.HasSuffix(trimmed, "/") {
			trimmed += "**/*"
		}
	}

	p.glob = Normalize(trimmed)
	p.valid = doublestar.ValidatePattern(p.glob)
	return p, true
}

// Normalize converts a path or pattern to the slash-separated, cleaned form
// used for matching. A leading "./" is removed.
func Normalize(path string) string {
	if path == "" {
		return path
	}
	trailing := strings.HasSuffix(path, "/")
	cleaned := filepath.ToSlash(filepath.Clean(filepath.FromSlash(path)))
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func (p pattern) matches(path string) bool {
	if !p.valid {
		return p.glob == path
	}
	ok, err := doublestar.Match(p.glob, path)
	if err != nil {
		return p.glob == path
	}
	return ok
}

// Match reports whether path satisfies every pattern.
func (m *Matcher) Match(path string) bool {
	if len(m.patterns) == 0 {
		return false
	}
	path = Normalize(path)
	for _, p := range m.patterns {
		if p.matches(path) == p.negate {
			return false
		}
	}
	return true
}

// Patterns returns the raw patterns in order.
func (m *Matcher) Patterns() []string {
	out := make([]string, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p.raw)
	}
	return out
}

// Roots returns the static directory prefix of every inclusion pattern, the
// directories in which a new matching file can first appear.
func Roots(patterns []string) []string {
	seen := make(map[string]struct{})
	for _, raw := range patterns {
		p, ok := parse(raw)
		if !ok || p.negate {
			continue
		}
		seen[staticDir(p)] = struct{}{}
	}
	roots := make([]string, 0, len(seen))
	for root := range seen {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

func staticDir(p pattern) string {
	segments := strings.Split(p.glob, "/")
	if !p.valid {
		return path.Dir(p.glob)
	}
	static := make([]string, 0, len(segments))
	for _, segment := range segments[:len(segments)-1] {
		if strings.ContainsAny(segment, `*?[{\`) {
			break
		}
		static = append(static, segment)
	}
	if len(static) == 0 {
		if strings.HasPrefix(p.glob, "/") {
			return "/"
		}
		return "."
	}
	dir := strings.Join(static, "/")
	if dir == "" {
		return "/"
	}
	return dir
}

// Snapshot enumerates the paths selected by patterns right now. The result
// is deduplicated and sorted.
func Snapshot(patterns []string) []string {
	selected := make(map[string]struct{})

	for _, raw := range patterns {
		p, ok := parse(raw)
		if !ok {
			continue
		}
		if p.negate {
			for path := range selected {
				if p.matches(path) {
					delete(selected, path)
				}
			}
			continue
		}
		for _, path := range expand(p) {
			selected[path] = struct{}{}
		}
	}

	result := make([]string, 0, len(selected))
	for path := range selected {
		result = append(result, path)
	}
	sort.Strings(result)
	return result
}

func expand(p pattern) []string {
	if p.valid {
		matches, err := doublestar.FilepathGlob(filepath.FromSlash(p.glob))
		if err == nil {
			out := make([]string, 0, len(matches))
			for _, match := range matches {
				out = append(out, Normalize(match))
			}
			return out
		}
	}
	if _, err := os.Lstat(filepath.FromSlash(p.glob)); err == nil {
		return []string{p.glob}
	}
	return nil
}

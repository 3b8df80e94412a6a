// Package change holds the values that flow from the file watcher to the
// command runners: actions, change sets and queue entries.
package change

import (
	"sort"
	"strings"
)

// Action is the semantic kind of a file event.
type Action string

const (
	Create Action = "create"
	Change Action = "change"
	Delete Action = "delete"
)

// AllActions lists every action in a stable order.
var AllActions = []Action{Create, Change, Delete}

// ParseAction maps a config string to an Action.
func ParseAction(value string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case Create:
		return Create, true
	case Change:
		return Change, true
	case Delete:
		return Delete, true
	}
	return "", false
}

// Set maps a path to the last action seen for it within one aggregation
// window.
type Set map[string]Action

// Paths returns the keys of the set, sorted.
func (s Set) Paths() []string {
	paths := make([]string, 0, len(s))
	for path := range s {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// ByAction groups the paths of the set by action.
func (s Set) ByAction() map[Action][]string {
	result := make(map[Action][]string)
	for path, action := range s {
		result[action] = append(result[action], path)
	}
	for action := range result {
		sort.Strings(result[action])
	}
	return result
}

// Entry is one unit of work for a runner. Combined entries carry Paths;
// separate entries carry a single Path and the Action that triggered it.
type Entry struct {
	Combined bool
	Paths    []string
	Path     string
	Action   Action
}

// CombinedEntry builds an entry for a combined change set.
func CombinedEntry(paths []string) Entry {
	return Entry{Combined: true, Paths: append([]string(nil), paths...)}
}

// SeparateEntry builds an entry for one path.
func SeparateEntry(path string, action Action) Entry {
	return Entry{Path: path, Action: action}
}

// Files returns every path the entry touches.
func (e Entry) Files() []string {
	if e.Combined {
		return e.Paths
	}
	if e.Path == "" {
		return nil
	}
	return []string{e.Path}
}

// Touches reports whether the entry covers path.
func (e Entry) Touches(path string) bool {
	for _, p := range e.Files() {
		if p == path {
			return true
		}
	}
	return false
}

// Overlaps reports whether two entries share at least one path.
func (e Entry) Overlaps(other Entry) bool {
	for _, p := range other.Files() {
		if e.Touches(p) {
			return true
		}
	}
	return false
}

func (e Entry) String() string {
	if e.Combined {
		if len(e.Paths) == 0 {
			return "startup"
		}
		return strings.Join(e.Paths, ", ")
	}
	return string(e.Action) + ":" + e.Path
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// choose returns the rule's own value, then the [defaults] value, then def.
func choose[T any](value, fallback *T, def T) T {
	switch {
	case value != nil:
		return *value
	case fallback != nil:
		return *fallback
	}
	return def
}

// chooseDuration is choose for millisecond fields. Non-positive means zero.
func chooseDuration(value, fallback *int64, def time.Duration) time.Duration {
	ms := value
	if ms == nil {
		ms = fallback
	}
	switch {
	case ms == nil:
		return def
	case *ms <= 0:
		return 0
	}
	return time.Duration(*ms) * time.Millisecond
}

// globList accepts a single pattern or an array of patterns.
func globList(value any) ([]string, error) {
	var items []any
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		items = []any{v}
	case []any:
		items = v
	default:
		return nil, errors.New("value must be string or array")
	}
	patterns := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, errors.New("array must contain strings")
		}
		if str = strings.TrimSpace(str); str != "" {
			patterns = append(patterns, str)
		}
	}
	return patterns, nil
}

// resolvePath expands ~ and anchors relative paths at the home directory.
func resolvePath(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("path must not be empty")
	}
	if filepath.IsAbs(input) {
		return filepath.Clean(input), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	if input == "~" {
		return filepath.Clean(home), nil
	}
	input = strings.TrimPrefix(input, "~/")
	return filepath.Join(home, filepath.Clean(input)), nil
}

// AnchorGlobs makes every relative pattern absolute under dir.
func AnchorGlobs(patterns []string, dir string) []string {
	anchored := make([]string, len(patterns))
	for i, pattern := range patterns {
		anchored[i] = resolveGlob(pattern, dir)
	}
	return anchored
}

// resolveGlob anchors a relative pattern at dir, keeping a leading "!".
func resolveGlob(pattern, dir string) string {
	negated := strings.HasPrefix(pattern, "!")
	body := strings.TrimPrefix(pattern, "!")
	if !filepath.IsAbs(body) {
		body = filepath.ToSlash(filepath.Join(dir, body))
		// Join drops a trailing slash, which marks a directory pattern.
		if strings.HasSuffix(pattern, "/") {
			body += "/"
		}
	}
	if negated {
		return "!" + body
	}
	return body
}

func defaultRuleLogPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	stem := logFileStem(name)
	if stem == "" {
		stem = "rule"
	}
	return filepath.Join(home, ".local", "state", "ghost", "rules", stem+".log"), nil
}

// logFileStem lowercases name and joins its runs of [a-z0-9_-] with dashes.
func logFileStem(name string) string {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	})
	return strings.Trim(strings.Join(words, "-"), "-_")
}

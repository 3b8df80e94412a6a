package launch

import (
	"errors"
	"maps"
	"os"
	"slices"
	"strings"
	"unicode"
)

// SplitCommandLine splits input on whitespace. Single and double quotes group
// words and a backslash escapes the next rune.
func SplitCommandLine(input string) ([]string, error) {
	var (
		words  []string
		word   strings.Builder
		inWord bool
		quote  rune
	)
	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\':
			inWord = true
			if i+1 < len(runes) {
				i++
				r = runes[i]
			}
			word.WriteRune(r)
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				word.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, inWord = r, true
		case unicode.IsSpace(r):
			if inWord {
				words = append(words, word.String())
				word.Reset()
				inWord = false
			}
		default:
			word.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quoted string")
	}
	if inWord {
		words = append(words, word.String())
	}
	return words, nil
}

// buildEnvList appends overrides to the current environment. exec.Cmd keeps
// the last value of a repeated key.
func buildEnvList(overrides map[string]string) []string {
	env := os.Environ()
	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, key+"="+overrides[key])
	}
	return env
}

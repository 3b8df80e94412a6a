package change

import (
	"path/filepath"
	"strings"
)

// Interpolate resolves command placeholders against the entry. Combined
// entries support %cwd, %relFiles and %files. Separate entries additionally
// support %event, %relFile, %file, %relDir and %dir. Placeholders without
// data are left as literal text.
func Interpolate(command string, entry Entry, cwd string) string {
	if !strings.Contains(command, "%") {
		return command
	}

	files := entry.Files()
	rel := make([]string, 0, len(files))
	abs := make([]string, 0, len(files))
	for _, file := range files {
		r, a := resolve(file, cwd)
		rel = append(rel, shellQuote(r))
		abs = append(abs, shellQuote(a))
	}

	// Longer names first so %relFiles is not consumed by %relFile.
	pairs := []string{
		"%relFiles", strings.Join(rel, " "),
		"%files", strings.Join(abs, " "),
	}
	if !entry.Combined && entry.Path != "" {
		r, a := resolve(entry.Path, cwd)
		pairs = append(pairs,
			"%relFile", shellQuote(r),
			"%relDir", shellQuote(filepath.Dir(r)),
			"%event", string(entry.Action),
			"%file", shellQuote(a),
			"%dir", shellQuote(filepath.Dir(a)),
		)
	}
	pairs = append(pairs, "%cwd", shellQuote(cwd))

	return strings.NewReplacer(pairs...).Replace(command)
}

func resolve(path, cwd string) (string, string) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(cwd, abs)
	if err != nil {
		rel = path
	}
	return rel, abs
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	if !strings.ContainsAny(value, " \t\n\"'`$&|;<>\\!*?") {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

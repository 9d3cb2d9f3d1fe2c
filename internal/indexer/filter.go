package indexer

import (
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnorePatterns are skipped under every root in addition to hidden
// entries. Names without a slash match at any depth.
var DefaultIgnorePatterns = []string{
	"node_modules",
	"__pycache__",
	"@eaDir",
	"System Volume Information",
	"*.tmp",
	"*.temp",
	"*.swp",
	"*.swx",
	"*.part",
	"*.crdownload",
	"*.lock",
	"Thumbs.db",
	"desktop.ini",
}

// Filter decides which paths under a root are indexed.
type Filter struct {
	matcher *ignore.GitIgnore
}

// NewFilter compiles gitignore-style patterns on top of the defaults.
func NewFilter(patterns ...string) *Filter {
	lines := make([]string, 0, len(DefaultIgnorePatterns)+len(patterns))
	lines = append(lines, DefaultIgnorePatterns...)
	lines = append(lines, patterns...)
	return &Filter{matcher: ignore.CompileIgnoreLines(lines...)}
}

// Ignored reports whether relPath, relative to its root, is skipped.
// Hidden entries are always skipped, and so is everything under an ignored
// directory.
func (f *Filter) Ignored(relPath string, isDir bool) bool {
	relPath = filepath.ToSlash(relPath)
	if relPath == "." || relPath == "" {
		return false
	}

	for _, part := range strings.Split(relPath, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}

	if f == nil || f.matcher == nil {
		return false
	}

	check := relPath
	if isDir {
		check += "/"
	}
	return f.matcher.MatchesPath(check)
}

package folder

import (
	"path"
	"strings"
)

// DefaultIgnorePatterns hide the temporary and conflict files that desktop sync
// clients and office suites leave beside shared files.
var DefaultIgnorePatterns = []string{
	".tmp-*",
	"~$*",
	".~lock.*",
	"*.tmp",
	"desktop.ini",
	".DS_Store",
	"*-conflict-*",
	"* (conflicted copy*",
}

// ignorePattern is a parsed ignore pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // true = match against the full name; false = match against basename only
}

// IgnoreMatcher checks folder names against a set of ignore patterns.
// Patterns without '/' match against the basename only.
// Patterns with '/' match against the full slash-separated name.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether the slash-separated name should be ignored.
func (m *IgnoreMatcher) Match(name string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}

	base := path.Base(name)
	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = path.Match(p.pattern, name)
		} else {
			matched, err = path.Match(p.pattern, base)
		}
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

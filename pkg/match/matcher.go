// Package match selects which relative paths a sync plan covers, using
// doublestar globs ("**" crosses directories).
//
// Paths are slash separated and relative to the sync root, the same form
// used for remote keys, so one Matcher serves uploads and downloads.
package match

import (
	"errors"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against relative paths.
//
// A path matches when it matches at least one include (every path, when no
// includes are configured), no exclude, and is not hidden unless
// IncludeHidden is set. Safe for concurrent use.
type Matcher struct {
	includes      []string
	excludes      []string
	prefixes      []string
	includeHidden bool
	minSize       int64
	maxSize       int64
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns a path must match (any). Empty means "**".
	Includes []string

	// Excludes are glob patterns a path must not match (any).
	Excludes []string

	// IncludeHidden keeps paths with a segment starting with '.'.
	IncludeHidden bool

	// MinSize and MaxSize bound file sizes, e.g. "1KiB", "2GB". Empty means
	// unbounded.
	MinSize string
	MaxSize string
}

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New compiles cfg.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	if len(includes) == 0 {
		includes = []string{"**"}
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	m := &Matcher{
		includes:      includes,
		excludes:      excludes,
		prefixes:      DerivePrefixes(includes),
		includeHidden: cfg.IncludeHidden,
		maxSize:       -1,
	}
	if cfg.MinSize != "" {
		if m.minSize, err = ParseSize(cfg.MinSize); err != nil {
			return nil, err
		}
	}
	if cfg.MaxSize != "" {
		if m.maxSize, err = ParseSize(cfg.MaxSize); err != nil {
			return nil, err
		}
		if m.maxSize < m.minSize {
			return nil, errors.New("max size is smaller than min size")
		}
	}
	return m, nil
}

// All returns a Matcher that accepts every path, hidden ones included.
func All() *Matcher {
	return &Matcher{includes: []string{"**"}, prefixes: []string{""}, includeHidden: true, maxSize: -1}
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		p := NormalizePattern(strings.TrimSpace(r))
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: r, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether rel is selected.
func (m *Matcher) Match(rel string) bool {
	if !m.includeHidden && IsHidden(rel) {
		return false
	}
	if !anyMatch(m.includes, rel) {
		return false
	}
	return !anyMatch(m.excludes, rel)
}

// MatchFile reports whether a file at rel with the given size is selected.
func (m *Matcher) MatchFile(rel string, size int64) bool {
	if size < m.minSize || (m.maxSize >= 0 && size > m.maxSize) {
		return false
	}
	return m.Match(rel)
}

// SkipDir reports whether a directory walk can prune relDir: it is hidden
// and hidden paths are off, or an exclude pattern matches every path below it.
func (m *Matcher) SkipDir(relDir string) bool {
	if relDir == "" || relDir == "." {
		return false
	}
	if !m.includeHidden && IsHidden(relDir) {
		return true
	}
	child := path.Join(relDir, "\x00child")
	for _, exc := range m.excludes {
		if strings.HasSuffix(exc, "/**") && matchPattern(exc, child) {
			return true
		}
	}
	return false
}

// Prefixes returns the deduplicated static prefixes of the include patterns.
// An empty string means a full listing is needed.
func (m *Matcher) Prefixes() []string {
	return m.prefixes
}

// Includes returns the normalized include patterns.
func (m *Matcher) Includes() []string { return append([]string(nil), m.includes...) }

// Excludes returns the normalized exclude patterns.
func (m *Matcher) Excludes() []string { return append([]string(nil), m.excludes...) }

func anyMatch(patterns []string, rel string) bool {
	for _, p := range patterns {
		if matchPattern(p, rel) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, rel string) bool {
	ok, err := doublestar.Match(pattern, rel)
	return err == nil && ok
}

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts backslash separators to slashes while keeping
// escapes of glob metacharacters, so "logs\2026\*.txt" becomes
// "logs/2026/*.txt" and "file\*.txt" stays a literal match.
func NormalizePattern(pattern string) string {
	if !strings.ContainsRune(pattern, '\\') {
		return pattern
	}
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(pattern) && strings.IndexByte(globEscapable, pattern[i+1]) >= 0 {
			b.WriteByte('\\')
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		b.WriteByte('/')
	}
	return b.String()
}

// IsHidden returns true if any path segment starts with a dot.
func IsHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "." && seg != ".." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

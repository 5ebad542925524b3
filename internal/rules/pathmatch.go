package rules

import "github.com/gobwas/glob"

// PathMatcher compiles a selector's path pattern once and matches it
// against request paths: '?' matches exactly one character, '*' matches any
// run of characters, possibly empty. gobwas/glob gives us this directly
// when compiled with no path separators, so '*' is free to cross '/'.
type PathMatcher struct {
	raw string
	g   glob.Glob
}

// NewPathMatcher compiles pattern. The pattern is taken as-is: no
// separators are configured, so '*' matches '/' too (spec §8:
// matches("/src/","/src*") is true).
func NewPathMatcher(pattern string) (*PathMatcher, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &PathMatcher{raw: pattern, g: g}, nil
}

// Matches reports whether path satisfies the compiled pattern.
func (m *PathMatcher) Matches(path string) bool {
	if m == nil {
		return true
	}
	return m.g.Match(path)
}

// String returns the original pattern, useful for logging and tests.
func (m *PathMatcher) String() string {
	if m == nil {
		return ""
	}
	return m.raw
}

package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathMatcher(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"exact", "/src", "/src", true},
		{"exact mismatch", "/src", "/dst", false},
		{"star crosses slash", "/src*", "/src/sub/path", true},
		{"star empty", "/src*", "/src", true},
		{"question mark one char", "/a?c", "/abc", true},
		{"question mark wrong length", "/a?c", "/abbc", false},
		{"star prefix", "*.json", "/a/b/c.json", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewPathMatcher(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Matches(tt.path))
		})
	}
}

func TestPathMatcherNilIsWildcard(t *testing.T) {
	var m *PathMatcher
	assert.True(t, m.Matches("/anything"))
	assert.Equal(t, "", m.String())
}

func TestNewPathMatcherInvalidPattern(t *testing.T) {
	_, err := NewPathMatcher("[")
	assert.Error(t, err)
}

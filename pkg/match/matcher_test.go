package match

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KevoDB/diskcache/pkg/element"
)

func TestPatternMatcher(t *testing.T) {
	keys := []element.Key{
		element.NewKey("user:1"),
		element.NewKey("user:2"),
		element.NewKey("order:1"),
		element.NewGroupKey("session", "token"),
	}
	m := NewPatternMatcher(nil)

	tests := []struct {
		pattern string
		want    []element.Key
	}{
		{"user:.*", keys[:2]},
		{".*:1", []element.Key{keys[0], keys[2]}},
		{"session:token", keys[3:]},
		{"user", nil},
		{"(", nil},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			require.Equal(t, tt.want, m.Match(tt.pattern, keys))
		})
	}
}

func TestCompiledPatternCacheIsBounded(t *testing.T) {
	m := NewPatternMatcher(nil)
	m.limit = 2
	for _, p := range []string{"a", "b", "c"} {
		m.Match(p, nil)
	}
	require.LessOrEqual(t, len(m.compiled), 2)
	require.Contains(t, m.compiled, "c")
}

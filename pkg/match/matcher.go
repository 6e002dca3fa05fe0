// Package match selects cache keys by pattern.
package match

import (
	"regexp"
	"sync"

	"github.com/KevoDB/diskcache/pkg/common/log"
	"github.com/KevoDB/diskcache/pkg/element"
)

// KeyMatcher returns the subset of keys matching a pattern.
type KeyMatcher interface {
	Match(pattern string, keys []element.Key) []element.Key
}

// DefaultCacheSize bounds the number of compiled patterns kept.
const DefaultCacheSize = 256

// PatternMatcher treats patterns as regular expressions matched against the
// whole rendered key ("name" or "group:name").
type PatternMatcher struct {
	logger log.Logger
	limit  int

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

// NewPatternMatcher creates a matcher. A nil logger selects the default.
func NewPatternMatcher(logger log.Logger) *PatternMatcher {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &PatternMatcher{
		logger:   logger.WithField("component", "matcher"),
		limit:    DefaultCacheSize,
		compiled: make(map[string]*regexp.Regexp),
	}
}

// Match returns the keys whose rendering matches pattern in full, in the
// order given. An invalid pattern matches nothing.
func (m *PatternMatcher) Match(pattern string, keys []element.Key) []element.Key {
	re, err := m.compile(pattern)
	if err != nil {
		m.logger.Warn("Invalid key pattern %q: %v", pattern, err)
		return nil
	}

	var matched []element.Key
	for _, k := range keys {
		if re.MatchString(k.String()) {
			matched = append(matched, k)
		}
	}
	return matched
}

func (m *PatternMatcher) compile(pattern string) (*regexp.Regexp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if re, ok := m.compiled[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, err
	}
	if len(m.compiled) >= m.limit {
		m.compiled = make(map[string]*regexp.Regexp)
	}
	m.compiled[pattern] = re
	return re, nil
}

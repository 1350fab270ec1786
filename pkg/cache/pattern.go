package cache

import "strings"

// Pattern selects keys for invalidation. The four shapes the cache
// understands are an exact key, a key prefix, an arbitrary predicate,
// and a segment matcher over colon-separated keys.
type Pattern interface {
	Match(key string) bool
}

// Key matches exactly one key.
type Key string

func (k Key) Match(key string) bool { return string(k) == key }

// Prefix matches every key starting with the prefix.
type Prefix string

func (p Prefix) Match(key string) bool { return strings.HasPrefix(key, string(p)) }

// Predicate matches keys the function accepts.
type Predicate func(key string) bool

func (p Predicate) Match(key string) bool { return p(key) }

// Parts structurally matches colon-separated keys segment by segment.
// A "*" segment matches any single segment; the key must have exactly
// as many segments as the pattern.
type Parts []string

func (p Parts) Match(key string) bool {
	segments := strings.Split(key, ":")
	if len(segments) != len(p) {
		return false
	}
	for i, want := range p {
		if want != "*" && want != segments[i] {
			return false
		}
	}
	return true
}

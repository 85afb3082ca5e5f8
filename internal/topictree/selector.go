package topictree

import (
	"fmt"
	"strings"
)

// Selector is a pattern over topic paths used to scope subscriptions and
// notifications. Two forms are supported:
//
//   - an exact path, e.g. "cdn/assets/logo.json"
//   - a subtree selector of the form "?prefix//", matching the prefix
//     topic and all of its descendants
type Selector struct {
	raw         string
	prefix      string
	descendants bool
}

// ParseSelector parses a selector expression.
func ParseSelector(expr string) (Selector, error) {
	if expr == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}

	if strings.HasPrefix(expr, "?") {
		body := strings.TrimPrefix(expr, "?")
		if !strings.HasSuffix(body, "//") {
			return Selector{}, fmt.Errorf("subtree selector must end with //: %q", expr)
		}
		prefix := strings.TrimSuffix(body, "//")
		if prefix == "" {
			return Selector{}, fmt.Errorf("subtree selector has no prefix: %q", expr)
		}
		return Selector{raw: expr, prefix: prefix, descendants: true}, nil
	}

	return Selector{raw: expr, prefix: expr}, nil
}

// PathSelector returns a selector matching exactly one topic path.
func PathSelector(path string) Selector {
	return Selector{raw: path, prefix: path}
}

// SubtreeSelector returns a selector matching root and all of its descendants.
func SubtreeSelector(root string) Selector {
	root = strings.TrimSuffix(root, "/")
	return Selector{raw: "?" + root + "//", prefix: root, descendants: true}
}

// Matches reports whether the given topic path is selected.
func (s Selector) Matches(path string) bool {
	if path == s.prefix {
		return true
	}
	if !s.descendants {
		return false
	}
	return strings.HasPrefix(path, s.prefix+"/")
}

// IsPath reports whether the selector names exactly one topic path.
func (s Selector) IsPath() bool {
	return !s.descendants
}

// Path returns the single path named by an exact-path selector.
func (s Selector) Path() string {
	return s.prefix
}

// String returns the selector expression.
func (s Selector) String() string {
	return s.raw
}

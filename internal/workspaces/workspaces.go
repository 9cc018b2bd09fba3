// Package workspaces gates which scope paths are allowed to run tasks.
package workspaces

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher checks scope paths against an allowlist of doublestar globs.
// An empty allowlist permits everything.
type Matcher struct {
	globs []string
}

// NewMatcher validates the globs and returns a Matcher.
func NewMatcher(globs []string) (*Matcher, error) {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid workspace glob %q", g)
		}
	}
	return &Matcher{globs: globs}, nil
}

// Allowed reports whether the scope path matches the allowlist.
func (m *Matcher) Allowed(scope string) bool {
	if m == nil || len(m.globs) == 0 {
		return true
	}
	scope = filepath.Clean(scope)
	for _, g := range m.globs {
		if ok, err := doublestar.PathMatch(g, scope); err == nil && ok {
			return true
		}
	}
	return false
}

// Package naming implements hierarchical human-readable names (HRNs) and
// their canonical URN encoding. An HRN is a dot-delimited path of name
// components, root-first, e.g. "root.site.slicename". All functions are pure.
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// HRN is a hierarchical human-readable name: dot-separated components,
// root-first. The empty HRN is invalid.
type HRN string

var componentRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrInvalidHRN is returned when a string cannot be parsed as an HRN.
var ErrInvalidHRN = errors.New("invalid hrn")

// ParseHRN validates a string as an HRN. Components are limited to
// [a-zA-Z0-9_-], which also makes every HRN filesystem-safe as-is.
func ParseHRN(s string) (HRN, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidHRN)
	}
	for _, comp := range strings.Split(s, ".") {
		if !componentRegex.MatchString(comp) {
			return "", fmt.Errorf("%w: bad component %q in %q", ErrInvalidHRN, comp, s)
		}
	}
	return HRN(s), nil
}

// String returns the HRN as a plain string.
func (h HRN) String() string {
	return string(h)
}

// Components returns the name components, root-first.
func (h HRN) Components() []string {
	return strings.Split(string(h), ".")
}

// Leaf returns the last component of the HRN.
func (h HRN) Leaf() string {
	comps := h.Components()
	return comps[len(comps)-1]
}

// Parent returns the HRN with its last component removed. The second return
// value is false for a root HRN, which has no parent.
func (h HRN) Parent() (HRN, bool) {
	idx := strings.LastIndex(string(h), ".")
	if idx < 0 {
		return "", false
	}
	return HRN(h[:idx]), true
}

// IsRoot reports whether the HRN consists of a single component.
func (h HRN) IsRoot() bool {
	return !strings.Contains(string(h), ".")
}

// Depth returns the number of components.
func (h HRN) Depth() int {
	return strings.Count(string(h), ".") + 1
}

// Child returns the HRN extended by one component.
func (h HRN) Child(component string) HRN {
	return HRN(string(h) + "." + component)
}

// Root returns the first component of the HRN.
func (h HRN) Root() HRN {
	if idx := strings.Index(string(h), "."); idx >= 0 {
		return h[:idx]
	}
	return h
}

// IsAncestorOf reports whether h is a strict ancestor of other.
func (h HRN) IsAncestorOf(other HRN) bool {
	return h != other && strings.HasPrefix(string(other), string(h)+".")
}

// ContainsOrEquals reports whether h is an ancestor of other, or equal to it.
func (h HRN) ContainsOrEquals(other HRN) bool {
	return h == other || h.IsAncestorOf(other)
}

// Package rights defines the capability vocabulary checked against requested
// operations, and set algebra over it. The vocabulary is extensible: unknown
// right names are carried through verification untouched.
package rights

import (
	"encoding/json"
	"sort"
	"strings"
)

// Well-known right names.
const (
	Refresh   = "refresh"
	Resolve   = "resolve"
	Info      = "info"
	Embed     = "embed"
	Bind      = "bind"
	Control   = "control"
	Authority = "authority"
	SA        = "sa"
	MA        = "ma"
	SM        = "sm"
	Operator  = "operator"
)

// Set is an unordered collection of right names.
type Set map[string]struct{}

// NewSet builds a set from the given right names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// ParseSet parses a comma-separated list of right names. Empty elements and
// surrounding whitespace are ignored.
func ParseSet(s string) Set {
	set := Set{}
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// Has reports whether the set contains the named right.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// IsSubsetOf reports whether every right in s is also in other.
func (s Set) IsSubsetOf(other Set) bool {
	for name := range s {
		if !other.Has(name) {
			return false
		}
	}
	return true
}

// Union returns a new set holding the rights of both sets.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for name := range s {
		out[name] = struct{}{}
	}
	for name := range other {
		out[name] = struct{}{}
	}
	return out
}

// Names returns the right names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String returns the sorted, comma-joined right names.
func (s Set) String() string {
	return strings.Join(s.Names(), ",")
}

// MarshalJSON encodes the set as a sorted string array.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes a string array into the set.
func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewSet(names...)
	return nil
}

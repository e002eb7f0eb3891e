package task

import (
	"encoding/json"
	"sort"
)

// Set is an unordered collection of distinct strings (capability tags,
// dependency ids). The zero value is an empty set.
type Set map[string]struct{}

// NewSet builds a set from items, dropping empty strings and duplicates.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, it := range items {
		if it != "" {
			s[it] = struct{}{}
		}
	}
	return s
}

// Has reports whether v is in the set.
func (s Set) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Add inserts v.
func (s Set) Add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

// Len returns the number of members.
func (s Set) Len() int { return len(s) }

// Slice returns the members sorted.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON decodes a JSON array (or null) into the set.
func (s *Set) UnmarshalJSON(b []byte) error {
	var items []string
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	*s = NewSet(items...)
	return nil
}

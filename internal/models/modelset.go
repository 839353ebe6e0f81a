package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// ModelSet is the set of model identifiers a scoped credential may use.
// In memory it is a set; on the wire and in storage it is a comma-joined
// string, matching the catalog's model list format.
type ModelSet map[string]struct{}

// NewModelSet builds a set from identifiers, dropping empty entries.
func NewModelSet(names ...string) ModelSet {
	s := make(ModelSet, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// ParseModelSet parses the comma-joined wire form.
func ParseModelSet(csv string) ModelSet {
	if csv == "" {
		return ModelSet{}
	}
	return NewModelSet(strings.Split(csv, ",")...)
}

// Contains reports set membership.
func (s ModelSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Clone returns an independent copy.
func (s ModelSet) Clone() ModelSet {
	out := make(ModelSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// String renders the comma-joined storage form with stable ordering.
func (s ModelSet) String() string {
	if len(s) == 0 {
		return ""
	}
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// MarshalJSON serializes the set as its comma-joined wire form.
func (s ModelSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the comma-joined wire form or a JSON array of
// identifiers (the form the editor UI submits before joining).
func (s *ModelSet) UnmarshalJSON(data []byte) error {
	var csv string
	if err := json.Unmarshal(data, &csv); err == nil {
		*s = ParseModelSet(csv)
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewModelSet(names...)
	return nil
}

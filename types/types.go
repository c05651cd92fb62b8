// Package types defines the payload variants, transaction envelopes and
// participant sets exchanged between agents through the consensus backend.
package types

import (
	"sort"
)

// ParticipantSet is a sorted, de-duplicated list of agent addresses.
// The canonical (lexicographic) order is what every agent indexes into,
// so two sets built from the same members always compare equal.
type ParticipantSet []string

// NewParticipantSet builds a canonical set from arbitrary addresses.
// Empty addresses are dropped.
func NewParticipantSet(addrs ...string) ParticipantSet {
	seen := make(map[string]struct{}, len(addrs))
	set := make(ParticipantSet, 0, len(addrs))
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		set = append(set, a)
	}
	sort.Strings(set)
	return set
}

// Size returns the number of participants.
func (ps ParticipantSet) Size() int {
	return len(ps)
}

// Contains reports whether addr is a member of the set.
func (ps ParticipantSet) Contains(addr string) bool {
	i := sort.SearchStrings(ps, addr)
	return i < len(ps) && ps[i] == addr
}

// Without returns a new set excluding every address in exclude.
func (ps ParticipantSet) Without(exclude ParticipantSet) ParticipantSet {
	out := make(ParticipantSet, 0, len(ps))
	for _, a := range ps {
		if !exclude.Contains(a) {
			out = append(out, a)
		}
	}
	return out
}

// With returns a new set that also contains addr.
func (ps ParticipantSet) With(addr string) ParticipantSet {
	return NewParticipantSet(append(append([]string(nil), ps...), addr)...)
}

// Equal reports whether both sets hold the same members.
func (ps ParticipantSet) Equal(other ParticipantSet) bool {
	if len(ps) != len(other) {
		return false
	}
	for i := range ps {
		if ps[i] != other[i] {
			return false
		}
	}
	return true
}

// QuorumSize returns the strict majority threshold (n/2 + 1).
func (ps ParticipantSet) QuorumSize() int {
	return len(ps)/2 + 1
}

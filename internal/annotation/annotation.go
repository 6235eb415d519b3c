// Package annotation implements the per-path flag set (C3): optional, exists,
// precious, phony, emphasized. Annotations ride alongside a path string in
// Path. The helpers in internal/pattern work on plain strings and do not
// carry annotations; callers attach flags to their results themselves.
package annotation

import "sort"

// Flag is one of the five recognized path annotations.
type Flag string

const (
	Optional   Flag = "optional"
	Exists     Flag = "exists"
	Precious   Flag = "precious"
	Phony      Flag = "phony"
	Emphasized Flag = "emphasized"
)

// Set is an immutable-by-convention collection of Flags attached to a path.
// The zero value is the empty set.
type Set map[Flag]struct{}

// New returns a Set containing the given flags.
func New(flags ...Flag) Set {
	if len(flags) == 0 {
		return nil
	}
	s := make(Set, len(flags))
	for _, f := range flags {
		s[f] = struct{}{}
	}
	return s
}

// Has reports whether the set contains f.
func (s Set) Has(f Flag) bool {
	_, ok := s[f]
	return ok
}

// With returns a new Set with f added, leaving s unmodified.
func (s Set) With(f Flag) Set {
	out := make(Set, len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	out[f] = struct{}{}
	return out
}

// Union returns a new Set containing every flag in s or other.
func (s Set) Union(other Set) Set {
	if len(s) == 0 && len(other) == 0 {
		return nil
	}
	out := make(Set, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// Sorted returns the flags in a deterministic order, for display and logging.
func (s Set) Sorted() []Flag {
	out := make([]Flag, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Path pairs a filesystem path string with its annotation Set, the (value,
// annotation-set) pair called for in the design notes in place of string
// subclassing.
type Path struct {
	Value string
	Flags Set
}

// Of builds a Path with the given flags.
func Of(value string, flags ...Flag) Path {
	return Path{Value: value, Flags: New(flags...)}
}

// Plain wraps a bare path with no annotations.
func Plain(value string) Path {
	return Path{Value: value}
}

// WithFlag returns a copy of p with f added to its flag set.
func (p Path) WithFlag(f Flag) Path {
	return Path{Value: p.Value, Flags: p.Flags.With(f)}
}

// Has reports whether p carries f.
func (p Path) Has(f Flag) bool {
	return p.Flags.Has(f)
}

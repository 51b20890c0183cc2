// Package fidset provides set algebra over feature identifiers (primary-key
// values). Sets are backed by roaring bitmaps so multi-step filter chaining
// over large layers stays cheap in both time and memory.
package fidset

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// CombineOp is the operator used to merge a new filter step's FID set with
// the previously accumulated one.
type CombineOp string

const (
	// OpAnd keeps features matched by both steps.
	OpAnd CombineOp = "AND"
	// OpOr keeps features matched by either step.
	OpOr CombineOp = "OR"
	// OpNotAnd keeps previously matched features that the new step does NOT
	// match (previous − new).
	OpNotAnd CombineOp = "NOT AND"
)

// ParseOp maps a user-facing operator string to a CombineOp. Defaults to
// OpAnd for empty input.
func ParseOp(s string) (CombineOp, error) {
	switch s {
	case "", "AND", "and":
		return OpAnd, nil
	case "OR", "or":
		return OpOr, nil
	case "NOT AND", "not and", "AND NOT":
		return OpNotAnd, nil
	}
	return "", fmt.Errorf("fidset: unknown combine operator %q", s)
}

// Set is a set of feature identifiers.
type Set struct {
	bm *roaring64.Bitmap
}

// New returns an empty set.
func New() *Set { return &Set{bm: roaring64.New()} }

// FromSlice builds a set from ids, deduplicating as it goes.
func FromSlice(ids []int64) *Set {
	s := New()
	for _, id := range ids {
		s.bm.Add(uint64(id))
	}
	return s
}

func (s *Set) Add(id int64)           { s.bm.Add(uint64(id)) }
func (s *Set) Contains(id int64) bool { return s.bm.Contains(uint64(id)) }
func (s *Set) Len() int               { return int(s.bm.GetCardinality()) }
func (s *Set) IsEmpty() bool          { return s.bm.IsEmpty() }

// Clone returns an independent copy.
func (s *Set) Clone() *Set { return &Set{bm: s.bm.Clone()} }

// ToSlice returns the ids in ascending order.
func (s *Set) ToSlice() []int64 {
	raw := s.bm.ToArray()
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out
}

// Equal reports whether both sets contain exactly the same ids.
func (s *Set) Equal(o *Set) bool { return s.bm.Equals(o.bm) }

// Combine merges s (the new step's matches) with prev (the accumulated
// matches) under op, returning a new set. Neither input is mutated.
//
// Note the NOT AND orientation: the receiver holds the NEW matches and prev
// holds the accumulated set, so the result is prev − new.
func (s *Set) Combine(prev *Set, op CombineOp) (*Set, error) {
	switch op {
	case OpAnd:
		out := s.bm.Clone()
		out.And(prev.bm)
		return &Set{bm: out}, nil
	case OpOr:
		out := s.bm.Clone()
		out.Or(prev.bm)
		return &Set{bm: out}, nil
	case OpNotAnd:
		out := prev.bm.Clone()
		out.AndNot(s.bm)
		return &Set{bm: out}, nil
	}
	return nil, fmt.Errorf("fidset: unknown combine operator %q", op)
}

func (s *Set) String() string {
	return fmt.Sprintf("fidset(%d ids)", s.Len())
}

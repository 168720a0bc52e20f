// Package rangeset provides the half-open byte-interval algebra used
// throughout the transfer manager: which parts of an artifact are done,
// in flight, or still pending.
package rangeset

import "sort"

// Range is a half-open byte interval [Start, End). Zero-length ranges do
// not exist; constructing one is a programmer error.
type Range struct {
	Start int64
	End   int64
}

// Size returns the number of bytes covered by r.
func (r Range) Size() int64 {
	return r.End - r.Start
}

func (r Range) valid() bool {
	return r.Start >= 0 && r.End > r.Start
}

// Set is a canonical, disjoint, non-adjacent, sorted sequence of Ranges.
// The zero value is the empty set. Every method returns a new Set; the
// receiver is never mutated.
type Set struct {
	ranges []Range
}

// New builds a canonical Set from the given ranges, merging overlaps and
// touching ranges. It panics if any range is inverted or zero-length.
func New(rs ...Range) Set {
	return Set{}.union(rs)
}

func (s Set) union(add []Range) Set {
	all := make([]Range, 0, len(s.ranges)+len(add))
	all = append(all, s.ranges...)
	for _, r := range add {
		if !r.valid() {
			panic("rangeset: invalid range")
		}
		all = append(all, r)
	}
	return Set{ranges: canonicalize(all)}
}

func canonicalize(rs []Range) []Range {
	if len(rs) == 0 {
		return nil
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	out := make([]Range, 0, len(rs))
	cur := rs[0]
	for _, r := range rs[1:] {
		if r.Start <= cur.End {
			// overlapping or touching: merge
			if r.End > cur.End {
				cur.End = r.End
			}
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}

// Ranges returns the canonical ranges in sorted order. The caller must not
// mutate the returned slice.
func (s Set) Ranges() []Range {
	return s.ranges
}

// IsEmpty reports whether the set has no ranges.
func (s Set) IsEmpty() bool {
	return len(s.ranges) == 0
}

// Size returns the sum of all range sizes in the set.
func (s Set) Size() int64 {
	var total int64
	for _, r := range s.ranges {
		total += r.Size()
	}
	return total
}

// Equal reports structural equality between two canonical sets.
func (s Set) Equal(other Set) bool {
	if len(s.ranges) != len(other.ranges) {
		return false
	}
	for i, r := range s.ranges {
		if r != other.ranges[i] {
			return false
		}
	}
	return true
}

// Union returns a new Set containing every byte in either s or other.
func (s Set) Union(other Set) Set {
	return s.union(other.ranges)
}

// Difference returns the largest canonical set representing membership in
// s but not in other.
func (s Set) Difference(other Set) Set {
	if s.IsEmpty() || other.IsEmpty() {
		return s
	}
	var out []Range
	for _, r := range s.ranges {
		cur := r
		for _, o := range other.ranges {
			if o.End <= cur.Start || o.Start >= cur.End {
				continue
			}
			// o overlaps cur
			if o.Start > cur.Start {
				out = append(out, Range{Start: cur.Start, End: o.Start})
			}
			if o.End > cur.End {
				cur.Start = cur.End // fully consumed
				break
			}
			cur.Start = o.End
			if cur.Start >= cur.End {
				break
			}
		}
		if cur.Start < cur.End {
			out = append(out, cur)
		}
	}
	return Set{ranges: canonicalize(out)}
}

// Intersection returns the ranges present in both s and other.
func (s Set) Intersection(other Set) Set {
	return s.Difference(s.Difference(other))
}

// Contains reports whether offset falls within any range of s, via binary
// search on the sorted vector.
func (s Set) Contains(offset int64) bool {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End > offset })
	return i < len(s.ranges) && s.ranges[i].Start <= offset
}

// FirstGapWithin returns the lowest [s,e) subrange of bounds not covered by
// s, or (Range{}, false) if bounds is fully covered. Ties (equal start) do
// not arise because the result is always the single lowest gap.
func (s Set) FirstGapWithin(bounds Range) (Range, bool) {
	if !bounds.valid() {
		panic("rangeset: invalid bounds")
	}
	cursor := bounds.Start
	for _, r := range s.ranges {
		if r.End <= cursor {
			continue
		}
		if r.Start > cursor {
			end := r.Start
			if end > bounds.End {
				end = bounds.End
			}
			if cursor < end {
				return Range{Start: cursor, End: end}, true
			}
			return Range{}, false
		}
		// r covers cursor, advance past it
		if r.End > cursor {
			cursor = r.End
		}
		if cursor >= bounds.End {
			return Range{}, false
		}
	}
	if cursor < bounds.End {
		return Range{Start: cursor, End: bounds.End}, true
	}
	return Range{}, false
}

// SplitAt divides s into two sets at offset: everything strictly below
// offset, and everything at or above it.
func (s Set) SplitAt(offset int64) (below, above Set) {
	var lo, hi []Range
	for _, r := range s.ranges {
		switch {
		case r.End <= offset:
			lo = append(lo, r)
		case r.Start >= offset:
			hi = append(hi, r)
		default:
			lo = append(lo, Range{Start: r.Start, End: offset})
			hi = append(hi, Range{Start: offset, End: r.End})
		}
	}
	return Set{ranges: lo}, Set{ranges: hi}
}

// Pairs serializes s as a sorted list of [start,end) pairs, the form used
// by the sidecar status file.
func (s Set) Pairs() [][2]int64 {
	out := make([][2]int64, len(s.ranges))
	for i, r := range s.ranges {
		out[i] = [2]int64{r.Start, r.End}
	}
	return out
}

// FromPairs rebuilds a Set from the [start,end) pairs produced by Pairs.
func FromPairs(pairs [][2]int64) Set {
	rs := make([]Range, len(pairs))
	for i, p := range pairs {
		rs[i] = Range{Start: p[0], End: p[1]}
	}
	return New(rs...)
}

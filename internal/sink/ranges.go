package sink

import (
	"github.com/jmylchreest/liveedge/internal/window"
)

// DefaultGapTolerance is the largest gap, in seconds, that still joins two
// buffered ranges. Fragment boundaries computed from different timescales
// rarely line up exactly.
const DefaultGapTolerance = 0.001

// RangeSet is an ordered set of disjoint time ranges.
type RangeSet struct {
	ranges    []window.Range
	tolerance float64
}

// NewRangeSet creates an empty set that merges ranges closer than tolerance.
func NewRangeSet(tolerance float64) *RangeSet {
	return &RangeSet{tolerance: tolerance}
}

// Add inserts r, merging it with every range it overlaps or nearly touches.
func (s *RangeSet) Add(r window.Range) {
	if r.Empty() {
		return
	}

	out := make([]window.Range, 0, len(s.ranges)+1)
	merged := r
	inserted := false
	for _, x := range s.ranges {
		switch {
		case x.End+s.tolerance < merged.Start:
			out = append(out, x)
		case x.Start-s.tolerance > merged.End:
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, x)
		default:
			merged.Start = min(merged.Start, x.Start)
			merged.End = max(merged.End, x.End)
		}
	}
	if !inserted {
		out = append(out, merged)
	}
	s.ranges = out
}

// Remove subtracts r from the set, splitting ranges it cuts through.
func (s *RangeSet) Remove(r window.Range) {
	if r.Empty() {
		return
	}

	out := make([]window.Range, 0, len(s.ranges)+1)
	for _, x := range s.ranges {
		if x.End <= r.Start || x.Start >= r.End {
			out = append(out, x)
			continue
		}
		if x.Start < r.Start {
			out = append(out, window.Range{Start: x.Start, End: r.Start})
		}
		if x.End > r.End {
			out = append(out, window.Range{Start: r.End, End: x.End})
		}
	}
	s.ranges = out
}

// Ranges returns a copy of the ranges ordered by start.
func (s *RangeSet) Ranges() []window.Range {
	out := make([]window.Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Len returns the number of disjoint ranges.
func (s *RangeSet) Len() int {
	return len(s.ranges)
}

// Find returns the range containing t.
func (s *RangeSet) Find(t float64) (window.Range, bool) {
	for _, r := range s.ranges {
		if r.Contains(t) {
			return r, true
		}
	}
	return window.Range{}, false
}

// Duration returns the total buffered time.
func (s *RangeSet) Duration() float64 {
	var total float64
	for _, r := range s.ranges {
		total += r.Duration()
	}
	return total
}

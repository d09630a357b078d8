package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/liveedge/internal/window"
)

func TestRangeSet_Add(t *testing.T) {
	tests := []struct {
		name string
		add  []window.Range
		want []window.Range
	}{
		{
			name: "single",
			add:  []window.Range{{Start: 0, End: 2}},
			want: []window.Range{{Start: 0, End: 2}},
		},
		{
			name: "contiguous merge",
			add:  []window.Range{{Start: 0, End: 2}, {Start: 2, End: 4}},
			want: []window.Range{{Start: 0, End: 4}},
		},
		{
			name: "gap within tolerance",
			add:  []window.Range{{Start: 0, End: 2}, {Start: 2.0005, End: 4}},
			want: []window.Range{{Start: 0, End: 4}},
		},
		{
			name: "gap beyond tolerance",
			add:  []window.Range{{Start: 0, End: 2}, {Start: 2.5, End: 4}},
			want: []window.Range{{Start: 0, End: 2}, {Start: 2.5, End: 4}},
		},
		{
			name: "out of order insert",
			add:  []window.Range{{Start: 10, End: 12}, {Start: 0, End: 2}, {Start: 5, End: 6}},
			want: []window.Range{{Start: 0, End: 2}, {Start: 5, End: 6}, {Start: 10, End: 12}},
		},
		{
			name: "bridging range joins neighbours",
			add:  []window.Range{{Start: 0, End: 2}, {Start: 4, End: 6}, {Start: 1, End: 5}},
			want: []window.Range{{Start: 0, End: 6}},
		},
		{
			name: "empty range ignored",
			add:  []window.Range{{Start: 3, End: 3}},
			want: []window.Range{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRangeSet(DefaultGapTolerance)
			for _, r := range tt.add {
				s.Add(r)
			}
			assert.Equal(t, tt.want, s.Ranges())
			assert.Equal(t, len(tt.want), s.Len())
		})
	}
}

func TestRangeSet_Remove(t *testing.T) {
	tests := []struct {
		name   string
		remove window.Range
		want   []window.Range
	}{
		{
			name:   "prefix",
			remove: window.Range{Start: 0, End: 12},
			want:   []window.Range{{Start: 12, End: 15}, {Start: 20, End: 30}},
		},
		{
			name:   "split middle",
			remove: window.Range{Start: 5, End: 6},
			want:   []window.Range{{Start: 0, End: 5}, {Start: 6, End: 15}, {Start: 20, End: 30}},
		},
		{
			name:   "span across ranges",
			remove: window.Range{Start: 0, End: 25},
			want:   []window.Range{{Start: 25, End: 30}},
		},
		{
			name:   "everything",
			remove: window.Range{Start: 0, End: 30},
			want:   []window.Range{},
		},
		{
			name:   "gap only",
			remove: window.Range{Start: 15, End: 20},
			want:   []window.Range{{Start: 0, End: 15}, {Start: 20, End: 30}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRangeSet(DefaultGapTolerance)
			s.Add(window.Range{Start: 0, End: 15})
			s.Add(window.Range{Start: 20, End: 30})

			s.Remove(tt.remove)
			assert.Equal(t, tt.want, s.Ranges())
		})
	}
}

func TestRangeSet_FindAndDuration(t *testing.T) {
	s := NewRangeSet(DefaultGapTolerance)
	s.Add(window.Range{Start: 0, End: 2})
	s.Add(window.Range{Start: 5, End: 8})

	r, ok := s.Find(6)
	assert.True(t, ok)
	assert.Equal(t, window.Range{Start: 5, End: 8}, r)

	r, ok = s.Find(8)
	assert.True(t, ok, "live edge belongs to its range")
	assert.Equal(t, 8.0, r.End)

	_, ok = s.Find(3)
	assert.False(t, ok)

	assert.InDelta(t, 5.0, s.Duration(), 1e-9)
}

package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Reposition(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name         string
		pos          float64
		prevPos      float64
		edgeAdvanced bool
		ranges       []Range
		wantRule     Rule
		wantTo       float64
	}{
		{
			name:     "no ranges",
			pos:      4,
			ranges:   nil,
			wantRule: RuleNone,
			wantTo:   4,
		},
		{
			name:     "cursor inside range",
			pos:      1,
			prevPos:  0,
			ranges:   []Range{{0, 2}},
			wantRule: RuleNone,
			wantTo:   1,
		},
		{
			name:     "fell behind",
			pos:      3,
			prevPos:  2,
			ranges:   []Range{{12, 15}},
			wantRule: RuleBehind,
			wantTo:   12,
		},
		{
			name:     "ahead of data",
			pos:      20,
			prevPos:  19,
			ranges:   []Range{{12, 15}},
			wantRule: RuleAhead,
			wantTo:   12,
		},
		{
			name:         "stalled consumer",
			pos:          5,
			prevPos:      5,
			edgeAdvanced: true,
			ranges:       []Range{{0, 9}},
			wantRule:     RuleStalled,
			wantTo:       9,
		},
		{
			name:         "stalled but lookahead within limit",
			pos:          5,
			prevPos:      5,
			edgeAdvanced: true,
			ranges:       []Range{{0, 8}},
			wantRule:     RuleNone,
			wantTo:       5,
		},
		{
			name:         "stalled without new data",
			pos:          5,
			prevPos:      5,
			edgeAdvanced: false,
			ranges:       []Range{{0, 9}},
			wantRule:     RuleNone,
			wantTo:       5,
		},
		{
			name:         "progressing consumer",
			pos:          5.5,
			prevPos:      5,
			edgeAdvanced: true,
			ranges:       []Range{{0, 9}},
			wantRule:     RuleNone,
			wantTo:       5.5,
		},
		{
			name:         "behind wins over stall",
			pos:          1,
			prevPos:      1,
			edgeAdvanced: true,
			ranges:       []Range{{2, 9}},
			wantRule:     RuleBehind,
			wantTo:       2,
		},
		{
			name:     "cursor on live edge",
			pos:      15,
			prevPos:  14,
			ranges:   []Range{{12, 15}},
			wantRule: RuleNone,
			wantTo:   15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Evaluate(Input{Pos: tt.pos, Ranges: tt.ranges}, tt.prevPos, tt.edgeAdvanced, th)
			assert.Equal(t, tt.wantRule, plan.Rule)
			assert.Equal(t, tt.wantTo, plan.To)
			assert.Equal(t, tt.pos, plan.From)
			assert.Equal(t, tt.wantRule != RuleNone, plan.Relocated())
		})
	}
}

func TestEvaluate_Retention(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name      string
		pos       float64
		prevPos   float64
		ranges    []Range
		busy      bool
		wantTrim  Trim
		wantEvict *Range
		wantSkip  bool
	}{
		{
			name:     "single short range",
			pos:      1,
			ranges:   []Range{{0, 2}},
			wantTrim: 0,
		},
		{
			name:      "older ranges dropped",
			pos:       21,
			prevPos:   20.5,
			ranges:    []Range{{0, 4}, {6, 8}, {20, 22}},
			wantTrim:  TrimOlder,
			wantEvict: &Range{0, 20},
		},
		{
			name:      "history capped",
			pos:       11,
			prevPos:   10.5,
			ranges:    []Range{{0, 12}},
			wantTrim:  TrimHistory,
			wantEvict: &Range{0, 8},
		},
		{
			name:      "lookahead collapsed",
			pos:       2,
			prevPos:   1,
			ranges:    []Range{{0, 15}},
			wantTrim:  TrimLookahead,
			wantEvict: &Range{0, 12},
		},
		{
			name:      "older and history coalesced",
			pos:       35,
			prevPos:   34,
			ranges:    []Range{{0, 5}, {20, 36}},
			wantTrim:  TrimOlder | TrimHistory,
			wantEvict: &Range{0, 32},
		},
		{
			name:     "busy sink skips eviction",
			pos:      11,
			prevPos:  10.5,
			ranges:   []Range{{0, 12}},
			busy:     true,
			wantTrim: TrimHistory,
			wantSkip: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Evaluate(Input{Pos: tt.pos, Ranges: tt.ranges, Busy: tt.busy}, tt.prevPos, true, th)
			assert.Equal(t, tt.wantTrim, plan.Trim, "trim %s", plan.Trim)
			assert.Equal(t, tt.wantEvict, plan.Evict)
			assert.Equal(t, tt.wantSkip, plan.EvictSkipped)
		})
	}
}

func TestEvaluate_TrimAfterRelocation(t *testing.T) {
	// Stall relocation moves the cursor to the edge, which leaves a long
	// history behind it.
	plan := Evaluate(Input{Pos: 0.5, Ranges: []Range{{0, 14}}}, 0.5, true, DefaultThresholds())

	assert.Equal(t, RuleStalled, plan.Rule)
	assert.Equal(t, 14.0, plan.To)
	assert.True(t, plan.Trim.Has(TrimHistory))
	assert.False(t, plan.Trim.Has(TrimLookahead))
	require.NotNil(t, plan.Evict)
	assert.Equal(t, Range{0, 11}, *plan.Evict)
}

func TestEvaluate_CutClampedToEnd(t *testing.T) {
	th := Thresholds{StallLookahead: 3, TrimTrailing: 1, TrimTo: 0}
	plan := Evaluate(Input{Pos: 5, Ranges: []Range{{0, 2}, {3, 5}}}, 4, true, th)

	require.NotNil(t, plan.Evict)
	assert.LessOrEqual(t, plan.Evict.End, 5.0)
	assert.Equal(t, Range{0, 5}, *plan.Evict)
}

func TestEvaluate_AtMostOneRule(t *testing.T) {
	th := DefaultThresholds()
	ranges := []Range{{10, 20}}
	positions := []float64{0, 5, 9.99, 10, 12, 16.5, 17, 19.99, 20, 20.01, 30}

	for _, pos := range positions {
		for _, prev := range positions {
			for _, adv := range []bool{false, true} {
				plan := Evaluate(Input{Pos: pos, Ranges: ranges}, prev, adv, th)
				switch plan.Rule {
				case RuleNone:
					assert.Equal(t, pos, plan.To)
				case RuleBehind:
					assert.Less(t, pos, 10.0)
					assert.Equal(t, 10.0, plan.To)
				case RuleAhead:
					assert.Greater(t, pos, 20.0)
					assert.Equal(t, 10.0, plan.To)
				case RuleStalled:
					assert.Equal(t, pos, prev)
					assert.Equal(t, 20.0, plan.To)
				}
			}
		}
	}
}

func TestController_ScenarioA_FirstFragment(t *testing.T) {
	c := NewController(DefaultThresholds())

	plan := c.Step(Input{Pos: 0, Ranges: []Range{{0, 2}}})

	assert.Equal(t, RuleNone, plan.Rule)
	assert.Nil(t, plan.Evict)
	assert.Equal(t, Trim(0), plan.Trim)
	assert.Equal(t, 0.0, c.PrevPos())
}

func TestController_FirstInvocationNeverStalls(t *testing.T) {
	c := NewController(DefaultThresholds())

	// A first fragment longer than the stall lookahead with the cursor still
	// at zero must not jump to the edge.
	plan := c.Step(Input{Pos: 0, Ranges: []Range{{0, 4}}})
	assert.Equal(t, RuleNone, plan.Rule)
}

func TestController_ScenarioB_StalledConsumer(t *testing.T) {
	c := NewController(DefaultThresholds())

	for _, end := range []float64{5, 6, 7, 8} {
		plan := c.Step(Input{Pos: 5, Ranges: []Range{{0, end}}})
		assert.Equal(t, RuleNone, plan.Rule, "end=%v", end)
	}

	plan := c.Step(Input{Pos: 5, Ranges: []Range{{0, 9}}})
	assert.Equal(t, RuleStalled, plan.Rule)
	assert.Equal(t, 9.0, plan.To)
	assert.Equal(t, 9.0, c.PrevPos())
}

func TestController_ScenarioC_EvictedUnderCursor(t *testing.T) {
	c := NewController(DefaultThresholds())

	plan := c.Step(Input{Pos: 3, Ranges: []Range{{0, 15}}})
	require.NotNil(t, plan.Evict)
	assert.Equal(t, Range{0, 12}, *plan.Evict)

	plan = c.Step(Input{Pos: 3, Ranges: []Range{{12, 15}}})
	assert.Equal(t, RuleBehind, plan.Rule)
	assert.Equal(t, 12.0, plan.To)
}

func TestController_Idempotent(t *testing.T) {
	inputs := []Input{
		{Pos: 3, Ranges: []Range{{12, 15}}},
		{Pos: 20, Ranges: []Range{{12, 15}}},
		{Pos: 5, Ranges: []Range{{0, 5}, {5.5, 9}}},
		{Pos: 30, Ranges: []Range{{0, 31}}},
		{Pos: 1, Ranges: []Range{{0, 2}}},
	}

	for _, in := range inputs {
		c := NewController(DefaultThresholds())
		plan := c.Step(in)

		// Apply the plan the way a session would.
		ranges := applyEvict(in.Ranges, plan.Evict)
		pos := plan.To
		require.NotEmpty(t, ranges)
		last := ranges[len(ranges)-1]
		if !last.Contains(pos) {
			continue
		}

		second := c.Step(Input{Pos: pos, Ranges: ranges})
		assert.Equal(t, RuleNone, second.Rule, "input %+v", in)
		assert.Nil(t, second.Evict, "input %+v", in)
	}
}

func TestController_RoundTrip(t *testing.T) {
	th := DefaultThresholds()
	c := NewController(th)

	const fragment = 2.0
	var ranges []Range
	pos := 0.0

	for i := 0; i < 50; i++ {
		ranges = addRange(ranges, Range{float64(i) * fragment, float64(i+1) * fragment})

		plan := c.Step(Input{Pos: pos, Ranges: ranges})
		require.NotEqual(t, RuleStalled, plan.Rule, "fragment %d", i)
		pos = plan.To

		if plan.Evict != nil {
			ranges = applyEvict(ranges, plan.Evict)
			require.Len(t, ranges, 1)
			assert.LessOrEqual(t, pos-ranges[0].Start, th.TrimTrailing, "fragment %d", i)
		}

		// Consumer keeps up with the live edge.
		pos = ranges[len(ranges)-1].End
	}

	require.Len(t, ranges, 1)
	assert.LessOrEqual(t, ranges[0].Duration(), th.TrimTrailing+fragment)
}

func TestController_NoRangesRecordsPrevPos(t *testing.T) {
	c := NewController(DefaultThresholds())

	plan := c.Step(Input{Pos: 7})
	assert.False(t, plan.HasData)
	assert.Nil(t, plan.Evict)
	assert.Equal(t, 7.0, c.PrevPos())
	assert.Equal(t, uint64(1), c.Invocations())
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		th      Thresholds
		wantErr bool
	}{
		{"defaults", DefaultThresholds(), false},
		{"zero stall", Thresholds{0, 10, 3}, true},
		{"zero trailing", Thresholds{3, 0, 0}, true},
		{"trim_to equals trailing", Thresholds{3, 10, 10}, true},
		{"negative trim_to", Thresholds{3, 10, -1}, true},
		{"zero trim_to", Thresholds{3, 10, 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.th.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidThreshold)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTrim_String(t *testing.T) {
	assert.Equal(t, "none", Trim(0).String())
	assert.Equal(t, "older+lookahead", (TrimOlder | TrimLookahead).String())
	assert.Equal(t, "stalled", RuleStalled.String())
}

// addRange appends r, merging it with the last range when they touch.
func addRange(ranges []Range, r Range) []Range {
	if n := len(ranges); n > 0 && ranges[n-1].End >= r.Start {
		ranges[n-1].End = max(ranges[n-1].End, r.End)
		return ranges
	}
	return append(ranges, r)
}

// applyEvict removes ev from ranges.
func applyEvict(ranges []Range, ev *Range) []Range {
	if ev == nil {
		return ranges
	}
	var out []Range
	for _, r := range ranges {
		if r.End <= ev.Start || r.Start >= ev.End {
			out = append(out, r)
			continue
		}
		if r.Start < ev.Start {
			out = append(out, Range{r.Start, ev.Start})
		}
		if r.End > ev.End {
			out = append(out, Range{ev.End, r.End})
		}
	}
	return out
}

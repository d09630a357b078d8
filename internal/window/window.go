// Package window implements the live playback window policy for liveedge.
//
// After every completed append the policy decides two things: where the
// play cursor belongs relative to the retained media, and which buffered
// media can be discarded. The policy never blocks and never talks to the
// sink itself; it returns a Plan that the caller applies.
package window

import (
	"errors"
	"fmt"
	"strings"
)

// Default policy thresholds, in seconds of sink timeline.
const (
	// DefaultStallLookahead is how far the live edge may run ahead of a
	// cursor that made no progress before the cursor is moved to the edge.
	DefaultStallLookahead = 3.0

	// DefaultTrimTrailing bounds both the history kept behind the cursor and
	// the look-ahead kept in front of it.
	DefaultTrimTrailing = 10.0

	// DefaultTrimTo is how much media is kept when a trim fires.
	DefaultTrimTo = 3.0
)

// Threshold validation errors.
var (
	ErrInvalidThreshold = errors.New("invalid window threshold")
)

// Range is a buffered interval [Start, End) of the sink timeline in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the length of the range.
func (r Range) Duration() float64 {
	return r.End - r.Start
}

// Empty reports whether the range covers no time.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Contains reports whether t lies inside the range, end inclusive. A cursor
// parked exactly on the live edge still belongs to the range.
func (r Range) Contains(t float64) bool {
	return t >= r.Start && t <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%.3f,%.3f)", r.Start, r.End)
}

// Thresholds are the tunables of the window policy.
type Thresholds struct {
	StallLookahead float64 `json:"stall_lookahead"`
	TrimTrailing   float64 `json:"trim_trailing"`
	TrimTo         float64 `json:"trim_to"`
}

// DefaultThresholds returns the stock policy thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StallLookahead: DefaultStallLookahead,
		TrimTrailing:   DefaultTrimTrailing,
		TrimTo:         DefaultTrimTo,
	}
}

// Validate checks that the thresholds describe a usable policy.
// TrimTo must stay below TrimTrailing, otherwise a trim would never shrink
// the window.
func (t Thresholds) Validate() error {
	if t.StallLookahead <= 0 {
		return fmt.Errorf("%w: stall_lookahead must be positive", ErrInvalidThreshold)
	}
	if t.TrimTrailing <= 0 {
		return fmt.Errorf("%w: trim_trailing must be positive", ErrInvalidThreshold)
	}
	if t.TrimTo < 0 || t.TrimTo >= t.TrimTrailing {
		return fmt.Errorf("%w: trim_to must be in [0, trim_trailing)", ErrInvalidThreshold)
	}
	return nil
}

// Rule identifies which repositioning rule moved the cursor.
type Rule int

// Repositioning rules. At most one fires per invocation.
const (
	RuleNone Rule = iota
	// RuleBehind fires when the cursor sits before the active range.
	RuleBehind
	// RuleAhead fires when the cursor sits past the live edge.
	RuleAhead
	// RuleStalled fires when the cursor made no progress while the live edge
	// ran away from it.
	RuleStalled
)

func (r Rule) String() string {
	switch r {
	case RuleNone:
		return "none"
	case RuleBehind:
		return "behind"
	case RuleAhead:
		return "ahead"
	case RuleStalled:
		return "stalled"
	default:
		return fmt.Sprintf("rule(%d)", int(r))
	}
}

// Trim is a set of retention rules that applied in one invocation.
type Trim uint8

// Retention rules.
const (
	// TrimOlder drops every range except the active one.
	TrimOlder Trim = 1 << iota
	// TrimHistory caps the media kept behind the cursor.
	TrimHistory
	// TrimLookahead collapses look-ahead that piled up while the consumer
	// was not progressing.
	TrimLookahead
)

// Has reports whether all rules in o are set.
func (t Trim) Has(o Trim) bool {
	return t&o == o
}

func (t Trim) String() string {
	if t == 0 {
		return "none"
	}
	var parts []string
	if t.Has(TrimOlder) {
		parts = append(parts, "older")
	}
	if t.Has(TrimHistory) {
		parts = append(parts, "history")
	}
	if t.Has(TrimLookahead) {
		parts = append(parts, "lookahead")
	}
	return strings.Join(parts, "+")
}

// Input is what the sink looks like when the policy runs.
type Input struct {
	// Pos is the current play cursor.
	Pos float64
	// Ranges are the buffered ranges, ordered by start.
	Ranges []Range
	// Busy is set when a sink mutation is still outstanding.
	Busy bool
}

// Plan is the outcome of one policy invocation.
type Plan struct {
	// Rule is the repositioning rule that fired, if any.
	Rule Rule
	// From is the cursor the policy saw; To is where it should be.
	From float64
	To   float64

	// Active is the most recently written range. Only valid with HasData.
	Active  Range
	HasData bool

	// Trim lists the retention rules that applied.
	Trim Trim
	// Evict is the single coalesced eviction to issue, nil when nothing
	// needs to go or the sink was busy.
	Evict *Range
	// EvictSkipped is set when trimming applied but the sink was busy.
	EvictSkipped bool
}

// Relocated reports whether the cursor has to move.
func (p Plan) Relocated() bool {
	return p.Rule != RuleNone
}

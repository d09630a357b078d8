package window

import "math"

// Evaluate runs the window policy once. It is a pure function: prevPos is
// the cursor recorded at the previous invocation and edgeAdvanced tells
// whether the live edge moved since then.
//
// Repositioning is first-match-wins:
//
//	pos < start                                  -> start  (behind)
//	pos > end                                    -> start  (ahead)
//	pos == prevPos && end-pos > StallLookahead   -> end    (stalled)
//
// The stalled row also requires edgeAdvanced: a cursor is only stalled if
// new media arrived while it stood still.
//
// Retention is then evaluated against the repositioned cursor and coalesced
// into one eviction starting at the oldest buffered byte.
func Evaluate(in Input, prevPos float64, edgeAdvanced bool, t Thresholds) Plan {
	plan := Plan{From: in.Pos, To: in.Pos}
	if len(in.Ranges) == 0 {
		return plan
	}

	active := in.Ranges[len(in.Ranges)-1]
	plan.Active = active
	plan.HasData = true

	pos := in.Pos
	switch {
	case pos < active.Start:
		plan.Rule = RuleBehind
		pos = active.Start
	case pos > active.End:
		plan.Rule = RuleAhead
		pos = active.Start
	case pos == prevPos && edgeAdvanced && active.End-pos > t.StallLookahead:
		plan.Rule = RuleStalled
		pos = active.End
	}
	plan.To = pos

	cut := math.Inf(-1)
	if len(in.Ranges) > 1 {
		plan.Trim |= TrimOlder
		cut = active.Start
	}
	if pos-active.Start > t.TrimTrailing {
		plan.Trim |= TrimHistory
		cut = math.Max(cut, pos-t.TrimTo)
	}
	if active.End-pos > t.TrimTrailing {
		plan.Trim |= TrimLookahead
		cut = math.Max(cut, active.End-t.TrimTo)
	}
	if plan.Trim == 0 {
		return plan
	}

	from := in.Ranges[0].Start
	cut = math.Min(cut, active.End)
	if cut <= from {
		plan.Trim = 0
		return plan
	}
	if in.Busy {
		plan.EvictSkipped = true
		return plan
	}
	plan.Evict = &Range{Start: from, End: cut}
	return plan
}

// Controller carries the policy state between invocations for one session.
// It is not safe for concurrent use; a session drives it from its event loop.
type Controller struct {
	thresholds Thresholds

	prevPos float64
	prevEnd float64
	primed  bool

	invocations uint64
}

// NewController creates a controller with the given thresholds.
func NewController(t Thresholds) *Controller {
	return &Controller{thresholds: t}
}

// Step evaluates the policy against the current sink state and records the
// resulting cursor for the next invocation.
//
// The stall rule needs a previous observation: on the first invocation
// with data there is nothing to compare progress against. It also only
// fires when the live edge moved since the last invocation.
func (c *Controller) Step(in Input) Plan {
	edgeAdvanced := false
	if c.primed && len(in.Ranges) > 0 {
		edgeAdvanced = in.Ranges[len(in.Ranges)-1].End > c.prevEnd
	}

	plan := Evaluate(in, c.prevPos, edgeAdvanced, c.thresholds)

	c.prevPos = plan.To
	if plan.HasData {
		c.prevEnd = plan.Active.End
		c.primed = true
	}
	c.invocations++
	return plan
}

// PrevPos returns the cursor recorded at the last invocation.
func (c *Controller) PrevPos() float64 {
	return c.prevPos
}

// Invocations returns how many times Step ran.
func (c *Controller) Invocations() uint64 {
	return c.invocations
}

// Thresholds returns the policy thresholds.
func (c *Controller) Thresholds() Thresholds {
	return c.thresholds
}

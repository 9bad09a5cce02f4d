// Package differ compares two successive snapshots of the same clan and
// reports what changed between them.
package differ

import (
	"sort"

	"github.com/meriley/clash-spy/internal/snapshot"
)

type (
	// CreditedAction is a new action with the value it actually added. Credit
	// is lower than Action.Value when the target had already been hit.
	CreditedAction struct {
		Action snapshot.Action
		Credit int
		// Fresh is true when nobody hit the target before.
		Fresh bool
	}

	Missed struct {
		Tag      string
		Name     string
		Taken    int
		Expected int
	}

	Delta struct {
		NewOccurrence bool
		JustEnded     bool
		NewActions    []CreditedAction
		RosterAdded   []string
		RosterRemoved []string
		// Missed lists members short of their action budget once the
		// occurrence ended. It is set whenever current is ended.
		Missed []Missed
	}
)

// Empty reports whether there is nothing new to announce. Missed does not
// count: an ended snapshot seen twice is not news.
func (d Delta) Empty() bool {
	return !d.NewOccurrence &&
		!d.JustEnded &&
		len(d.NewActions) == 0 &&
		len(d.RosterAdded) == 0 &&
		len(d.RosterRemoved) == 0
}

// Diff computes the delta from previous to current. A nil previous or a uid
// change starts a new occurrence with nothing to compare against.
func Diff(previous *snapshot.EventSnapshot, current *snapshot.EventSnapshot) Delta {
	var d Delta
	if current.State == snapshot.StateEnded {
		d.Missed = missed(current)
	}
	if previous == nil || previous.UID != current.UID {
		d.NewOccurrence = true
		return d
	}

	d.JustEnded = previous.State != snapshot.StateEnded && current.State == snapshot.StateEnded
	d.RosterAdded, d.RosterRemoved = rosterChanges(previous, current)

	seen := make(map[string]int, len(previous.Members))
	for _, m := range previous.Members {
		seen[m.Tag] = maxOrder(m.Actions, 0)
	}
	all := current.Actions()
	for _, a := range all {
		if a.Order <= seen[a.ActorTag] {
			continue
		}
		d.NewActions = append(d.NewActions, Credit(all, a))
	}
	return d
}

// Credit computes the net contribution of a against its target given every
// action of the occurrence. The baseline is the best prior outcome on the
// same target by a different actor, the earliest one winning ties. When a's
// actor was the first to hit the target the action counts at face value.
func Credit(actions []snapshot.Action, a snapshot.Action) CreditedAction {
	if a.TargetTag == "" {
		return CreditedAction{Action: a, Credit: a.Value, Fresh: true}
	}
	var prior []snapshot.Action
	for _, p := range actions {
		if p.TargetTag == a.TargetTag && p.Order < a.Order {
			prior = append(prior, p)
		}
	}
	if len(prior) == 0 {
		return CreditedAction{Action: a, Credit: a.Value, Fresh: true}
	}
	sort.SliceStable(prior, func(i, j int) bool { return prior[i].Order < prior[j].Order })
	if prior[0].ActorTag == a.ActorTag {
		return CreditedAction{Action: a, Credit: a.Value}
	}

	var baseline *snapshot.Action
	for i := range prior {
		p := &prior[i]
		if p.ActorTag == a.ActorTag {
			continue
		}
		if baseline == nil || better(*p, *baseline) {
			baseline = p
		}
	}
	if baseline == nil {
		return CreditedAction{Action: a, Credit: a.Value}
	}
	credit := a.Value - baseline.Value
	if credit < 0 {
		credit = 0
	}
	return CreditedAction{Action: a, Credit: credit}
}

// better orders candidate baselines: higher value first, then smaller order.
// Identical orders cannot come from the API; they fall back to the actor tag
// so the choice stays deterministic.
func better(p, q snapshot.Action) bool {
	if p.Value != q.Value {
		return p.Value > q.Value
	}
	if p.Order != q.Order {
		return p.Order < q.Order
	}
	return p.ActorTag < q.ActorTag
}

func maxOrder(actions []snapshot.Action, floor int) int {
	max := floor
	for _, a := range actions {
		if a.Order > max {
			max = a.Order
		}
	}
	return max
}

func rosterChanges(previous, current *snapshot.EventSnapshot) (added, removed []string) {
	before := make(map[string]struct{}, len(previous.Members))
	for _, m := range previous.Members {
		before[m.Tag] = struct{}{}
	}
	after := make(map[string]struct{}, len(current.Members))
	for _, m := range current.Members {
		after[m.Tag] = struct{}{}
		if _, ok := before[m.Tag]; !ok {
			added = append(added, m.Tag)
		}
	}
	for _, m := range previous.Members {
		if _, ok := after[m.Tag]; !ok {
			removed = append(removed, m.Tag)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func missed(s *snapshot.EventSnapshot) []Missed {
	var out []Missed
	for _, m := range s.Members {
		expected := s.MaxActionsFor(m)
		if len(m.Actions) >= expected {
			continue
		}
		out = append(out, Missed{Tag: m.Tag, Name: m.Name, Taken: len(m.Actions), Expected: expected})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "#2PP", NormalizeTag(" 2pp "))
	assert.Equal(t, "#2PP", NormalizeTag("##2pp"))
	assert.Equal(t, "#80LQ", NormalizeTag("#8oLQ"))
	assert.Equal(t, "", NormalizeTag("#"))

	assert.True(t, ValidTag("#2PP"))
	assert.False(t, ValidTag("#2P"))
	assert.False(t, ValidTag("#ABCDE"))
}

func TestRemaining(t *testing.T) {
	s := &EventSnapshot{ActionsPerMember: 2}
	assert.Equal(t, 2, s.Remaining(Member{Tag: "#A"}))
	assert.Equal(t, 1, s.Remaining(Member{Tag: "#A", Actions: []Action{{Order: 1}}}))
	assert.Equal(t, 0, s.Remaining(Member{Tag: "#A", Actions: []Action{{Order: 1}, {Order: 2}, {Order: 3}}}))
	assert.Equal(t, 6, s.Remaining(Member{Tag: "#A", MaxActions: 6}))
}

func TestTargetsCleared(t *testing.T) {
	s := &EventSnapshot{
		MaxOutcome: 3,
		Members: []Member{
			{Tag: "#A", Actions: []Action{{ActorTag: "#A", TargetTag: "#X", Value: 3, Order: 1}}},
			{Tag: "#B", Actions: []Action{{ActorTag: "#B", TargetTag: "#Y", Value: 2, Order: 2}}},
		},
		Opponents: []Member{{Tag: "#X"}, {Tag: "#Y"}},
	}
	assert.False(t, s.TargetsCleared())

	s.Members[1].Actions = append(s.Members[1].Actions, Action{ActorTag: "#B", TargetTag: "#Y", Value: 3, Order: 3})
	assert.True(t, s.TargetsCleared())

	assert.False(t, (&EventSnapshot{MaxOutcome: 3}).TargetsCleared())
}

func TestActionsSortedByOrder(t *testing.T) {
	s := &EventSnapshot{Members: []Member{
		{Tag: "#A", Actions: []Action{{Order: 3}, {Order: 1}}},
		{Tag: "#B", Actions: []Action{{Order: 2}}},
	}}
	var orders []int
	for _, a := range s.Actions() {
		orders = append(orders, a.Order)
	}
	assert.Equal(t, []int{1, 2, 3}, orders)
}

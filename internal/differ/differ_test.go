package differ

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meriley/clash-spy/internal/snapshot"
)

func war(state snapshot.State, members ...snapshot.Member) *snapshot.EventSnapshot {
	return &snapshot.EventSnapshot{
		EventType:        snapshot.ClanWars,
		EntityTag:        "#2PP",
		UID:              "#WAR1",
		State:            state,
		ActionsPerMember: 2,
		MaxOutcome:       3,
		FetchedAt:        time.Date(2026, 10, 24, 12, 0, 0, 0, time.UTC),
		Members:          members,
	}
}

func hit(actor, target string, value, order int) snapshot.Action {
	return snapshot.Action{ActorTag: actor, TargetTag: target, Value: value, Order: order}
}

func TestDiffNoChangeIsEmpty(t *testing.T) {
	s := war(snapshot.StateActive,
		snapshot.Member{Tag: "#A", Actions: []snapshot.Action{hit("#A", "#X", 2, 1)}},
		snapshot.Member{Tag: "#B"},
	)
	d := Diff(s, s)
	assert.True(t, d.Empty())
	assert.Empty(t, d.Missed)
}

func TestDiffNewOccurrence(t *testing.T) {
	current := war(snapshot.StateActive, snapshot.Member{Tag: "#A", Actions: []snapshot.Action{hit("#A", "#X", 3, 1)}})

	d := Diff(nil, current)
	assert.True(t, d.NewOccurrence)
	assert.Empty(t, d.NewActions)

	previous := war(snapshot.StateEnded)
	previous.UID = "#WAR0"
	d = Diff(previous, current)
	assert.True(t, d.NewOccurrence)
	assert.False(t, d.JustEnded)
	assert.Empty(t, d.NewActions)
	assert.Empty(t, d.RosterAdded)
}

func TestDiffNetCredit(t *testing.T) {
	tests := []struct {
		name     string
		prior    []snapshot.Action
		next     snapshot.Action
		want     int
		wantNew  bool
		previous []snapshot.Action
	}{
		{
			name:    "fresh target counts at face value",
			next:    hit("#B", "#X", 2, 1),
			want:    2,
			wantNew: true,
		},
		{
			name:  "cleanup only credits the improvement",
			prior: []snapshot.Action{hit("#A", "#X", 1, 1)},
			next:  hit("#B", "#X", 3, 2),
			want:  2,
		},
		{
			name:  "worse follow up credits nothing",
			prior: []snapshot.Action{hit("#A", "#X", 2, 1)},
			next:  hit("#B", "#X", 1, 2),
			want:  0,
		},
		{
			name:  "first attacker hitting again counts at face value",
			prior: []snapshot.Action{hit("#A", "#X", 1, 1), hit("#C", "#X", 2, 2)},
			next:  hit("#A", "#X", 3, 3),
			want:  3,
		},
		{
			name:  "baseline is best prior by another actor",
			prior: []snapshot.Action{hit("#A", "#X", 1, 1), hit("#C", "#X", 2, 2), hit("#B", "#X", 2, 3)},
			next:  hit("#B", "#X", 3, 4),
			want:  1,
		},
		{
			name:  "later actions on the target are ignored",
			prior: []snapshot.Action{hit("#A", "#X", 1, 1)},
			next:  hit("#B", "#X", 3, 2),
			want:  2,
			previous: []snapshot.Action{
				hit("#C", "#X", 3, 5),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			all := append(append([]snapshot.Action{}, tt.prior...), tt.next)
			all = append(all, tt.previous...)
			got := Credit(all, tt.next)
			assert.Equal(t, tt.want, got.Credit)
			assert.Equal(t, tt.wantNew, got.Fresh)
			assert.Equal(t, tt.next, got.Action)
		})
	}
}

// A takes 60% of a base, B then takes 90%: B is credited the 30% gained.
func TestDiffPercentageCleanup(t *testing.T) {
	previous := war(snapshot.StateActive,
		snapshot.Member{Tag: "#A", Actions: []snapshot.Action{hit("#A", "#X", 60, 1)}},
		snapshot.Member{Tag: "#B"},
	)
	current := war(snapshot.StateActive,
		snapshot.Member{Tag: "#A", Actions: []snapshot.Action{hit("#A", "#X", 60, 1)}},
		snapshot.Member{Tag: "#B", Actions: []snapshot.Action{hit("#B", "#X", 90, 2)}},
	)

	d := Diff(previous, current)
	require.Len(t, d.NewActions, 1)
	assert.Equal(t, "#B", d.NewActions[0].Action.ActorTag)
	assert.Equal(t, 30, d.NewActions[0].Credit)
	assert.False(t, d.NewActions[0].Fresh)
	assert.False(t, d.Empty())
}

func TestDiffOnlyReportsUnseenActions(t *testing.T) {
	previous := war(snapshot.StateActive,
		snapshot.Member{Tag: "#A", Actions: []snapshot.Action{hit("#A", "#X", 2, 1)}},
	)
	current := war(snapshot.StateActive,
		snapshot.Member{Tag: "#A", Actions: []snapshot.Action{hit("#A", "#X", 2, 1), hit("#A", "#Y", 3, 3)}},
		snapshot.Member{Tag: "#B", Actions: []snapshot.Action{hit("#B", "#X", 3, 2)}},
	)

	d := Diff(previous, current)
	got := make([]int, 0, len(d.NewActions))
	for _, a := range d.NewActions {
		got = append(got, a.Action.Order)
	}
	assert.Equal(t, []int{2, 3}, got)
	assert.Equal(t, 1, d.NewActions[0].Credit)
	assert.Equal(t, 3, d.NewActions[1].Credit)
	assert.Equal(t, []string{"#B"}, d.RosterAdded)
}

func TestDiffRosterChanges(t *testing.T) {
	previous := war(snapshot.StateActive, snapshot.Member{Tag: "#A"}, snapshot.Member{Tag: "#C"})
	current := war(snapshot.StateActive, snapshot.Member{Tag: "#B"}, snapshot.Member{Tag: "#A"})

	d := Diff(previous, current)
	if diff := cmp.Diff([]string{"#B"}, d.RosterAdded); diff != "" {
		t.Fatalf("added (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"#C"}, d.RosterRemoved); diff != "" {
		t.Fatalf("removed (-want +got):\n%s", diff)
	}
}

func TestDiffEnded(t *testing.T) {
	previous := war(snapshot.StateActive,
		snapshot.Member{Tag: "#A", Name: "alpha", Actions: []snapshot.Action{hit("#A", "#X", 3, 1)}},
		snapshot.Member{Tag: "#B", Name: "bravo"},
	)
	current := war(snapshot.StateEnded,
		snapshot.Member{Tag: "#A", Name: "alpha", Actions: []snapshot.Action{hit("#A", "#X", 3, 1), hit("#A", "#Y", 3, 2)}},
		snapshot.Member{Tag: "#B", Name: "bravo"},
	)

	d := Diff(previous, current)
	assert.True(t, d.JustEnded)
	assert.Equal(t, []Missed{{Tag: "#B", Name: "bravo", Taken: 0, Expected: 2}}, d.Missed)

	// Seeing the ended war again yields the report but nothing new.
	again := Diff(current, current)
	assert.False(t, again.JustEnded)
	assert.True(t, again.Empty())
	assert.Equal(t, d.Missed, again.Missed)
}

func TestCreditTieBreak(t *testing.T) {
	// Same value on the target from two other actors: the earliest wins, and
	// an identical order falls back to the smaller actor tag.
	actions := []snapshot.Action{
		hit("#C", "#X", 2, 1),
		hit("#D", "#X", 1, 1),
		hit("#E", "#X", 2, 2),
		hit("#F", "#X", 3, 3),
	}
	got := Credit(actions, actions[3])
	assert.Equal(t, 1, got.Credit)

	assert.True(t, better(hit("#C", "#X", 2, 1), hit("#E", "#X", 2, 2)))
	assert.True(t, better(hit("#C", "#X", 2, 1), hit("#D", "#X", 2, 1)))
	assert.False(t, better(hit("#D", "#X", 2, 1), hit("#C", "#X", 2, 1)))
}

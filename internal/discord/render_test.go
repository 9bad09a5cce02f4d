package discord

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meriley/clash-spy/internal/differ"
	"github.com/meriley/clash-spy/internal/eligibility"
	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/scheduler"
	"github.com/meriley/clash-spy/internal/snapshot"
)

var warEnd = time.Date(2026, 10, 25, 11, 0, 0, 0, time.UTC)

func warNotice(kind scheduler.NoticeKind, silent bool) scheduler.Notice {
	return scheduler.Notice{
		Kind: kind,
		Reminder: &reminder.Reminder{
			ID:        "r-1",
			EventType: snapshot.ClanWars,
			Message:   "{{.Clan}} vs {{.Opponent}}: attack!",
		},
		Snapshot: &snapshot.EventSnapshot{
			EventType:    snapshot.ClanWars,
			EntityTag:    "#2PP",
			EntityName:   "Home",
			OpponentName: "Away",
			UID:          "w-1",
			State:        snapshot.StateActive,
			EndTime:      warEnd,
			FetchedAt:    warEnd.Add(-time.Hour),
		},
		Eligibility: eligibility.Result{
			Recipients: []eligibility.Identity{
				{Tag: "#A", Name: "alpha", UserID: "100", Taken: 0, Expected: 2},
				{Tag: "#B", Name: "bravo", Taken: 1, Expected: 2},
			},
			Mentionable: !silent,
		},
	}
}

func TestRenderReminder(t *testing.T) {
	content, err := NewRenderer().Render(warNotice(scheduler.KindReminder, false))
	require.NoError(t, err)

	msg := content.Payload.(*Message)
	assert.Equal(t, "Home vs Away: attack!\n<@100>", msg.Content)
	assert.Equal(t, []string{"100"}, msg.AllowedMentions.Users)
	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, "Clan war reminder for Home", msg.Embeds[0].Title)
	assert.Contains(t, msg.Embeds[0].Description, "<@100> alpha 0/2")
	assert.Contains(t, msg.Embeds[0].Description, "bravo 1/2")
	assert.Equal(t, "2026-10-25T11:00:00Z", msg.Embeds[0].Timestamp)
	assert.Equal(t, warEnd.Add(-time.Hour).UnixNano(), content.Revision)
	assert.NotEmpty(t, content.Hash)
}

func TestRenderSilentMentionsNobody(t *testing.T) {
	content, err := NewRenderer().Render(warNotice(scheduler.KindReminder, true))
	require.NoError(t, err)

	msg := content.Payload.(*Message)
	assert.Equal(t, "Home vs Away: attack!", msg.Content)
	assert.Empty(t, msg.AllowedMentions.Users)
	assert.NotNil(t, msg.AllowedMentions.Parse)
	assert.NotContains(t, msg.Embeds[0].Description, "<@")
}

func TestRenderIsDeterministic(t *testing.T) {
	a, err := NewRenderer().Render(warNotice(scheduler.KindReminder, false))
	require.NoError(t, err)
	b, err := NewRenderer().Render(warNotice(scheduler.KindReminder, false))
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	if diff := cmp.Diff(a.Payload, b.Payload); diff != "" {
		t.Errorf("payload mismatch (-a +b):\n%s", diff)
	}
}

func TestRenderShowsChanges(t *testing.T) {
	quiet, err := NewRenderer().Render(warNotice(scheduler.KindReminder, false))
	require.NoError(t, err)

	n := warNotice(scheduler.KindReminder, false)
	n.Snapshot.Members = []snapshot.Member{{Tag: "#A", Name: "alpha"}, {Tag: "#C", Name: "charlie"}}
	n.Snapshot.Opponents = []snapshot.Member{{Tag: "#X", Name: "x-ray"}}
	n.Delta = differ.Delta{
		NewActions: []differ.CreditedAction{
			{Action: snapshot.Action{ActorTag: "#A", TargetTag: "#X", Value: 3, Destruction: 100, Order: 4}, Credit: 1},
		},
		RosterAdded:   []string{"#C"},
		RosterRemoved: []string{"#B"},
	}
	busy, err := NewRenderer().Render(n)
	require.NoError(t, err)
	assert.NotEqual(t, quiet.Hash, busy.Hash)

	fields := busy.Payload.(*Message).Embeds[0].Fields
	require.Len(t, fields, 3)
	assert.Equal(t, "New attacks", fields[1].Name)
	assert.Equal(t, "alpha hit x-ray: 3★ (+1) 100%", fields[1].Value)
	assert.Equal(t, "Roster changes", fields[2].Name)
	assert.Equal(t, "Joined: charlie\nLeft: #B", fields[2].Value)
}

func TestRenderMissed(t *testing.T) {
	n := warNotice(scheduler.KindMissed, false)
	n.Snapshot.State = snapshot.StateEnded
	n.Missed = []differ.Missed{{Tag: "#A", Name: "alpha", Taken: 0, Expected: 2}}

	content, err := NewRenderer().Render(n)
	require.NoError(t, err)
	msg := content.Payload.(*Message)
	assert.Equal(t, "Clan war ended: missed attacks in Home", msg.Embeds[0].Title)
	assert.Equal(t, "<@100> alpha 0/2", msg.Embeds[0].Description)
	assert.Equal(t, []string{"100"}, msg.AllowedMentions.Users)
}

func TestRenderTemplateErrors(t *testing.T) {
	tests := []struct {
		name    string
		message string
	}{
		{name: "parse", message: "{{.Clan"},
		{name: "unknown field", message: "{{.Nope}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := warNotice(scheduler.KindReminder, false)
			n.Reminder.Message = tt.message
			_, err := NewRenderer().Render(n)
			assert.ErrorIs(t, err, errs.ErrTemplate)
		})
	}
}

func TestRenderWithoutSnapshot(t *testing.T) {
	n := warNotice(scheduler.KindReminder, false)
	n.Snapshot = nil
	_, err := NewRenderer().Render(n)
	assert.ErrorIs(t, err, errs.ErrRender)
}

func TestTruncateLines(t *testing.T) {
	lines := []string{strings.Repeat("a", 10), strings.Repeat("b", 10), strings.Repeat("c", 10)}
	assert.Equal(t, strings.Join(lines, "\n"), truncateLines(lines, 100))
	assert.Equal(t, strings.Repeat("a", 10)+"\n...and 2 more", truncateLines(lines, 30))
	assert.Equal(t, "...and 3 more", truncateLines(lines, 5))
}

package clashDiscordBot

import (
	stdcontext "context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meriley/clash-spy/internal/clock"
	"github.com/meriley/clash-spy/internal/context"
	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/memstore"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
)

type fakeScheduler struct {
	store       *memstore.Store
	scheduled   []string
	rescheduled map[string]time.Duration
	cancelled   []string
	reminded    []string
}

func (f *fakeScheduler) ScheduleReminder(ctx stdcontext.Context, r *reminder.Reminder) error {
	f.scheduled = append(f.scheduled, r.ID)
	return f.store.UpsertReminder(ctx, r)
}

func (f *fakeScheduler) RescheduleReminder(ctx stdcontext.Context, r *reminder.Reminder, offset time.Duration) error {
	r.Offset = offset
	if err := r.Validate(); err != nil {
		return err
	}
	f.rescheduled[r.ID] = offset
	return f.store.UpsertReminder(ctx, r)
}

func (f *fakeScheduler) CancelReminder(ctx stdcontext.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return f.store.DeleteReminder(ctx, id)
}

func (f *fakeScheduler) RemindNow(_ stdcontext.Context, r *reminder.Reminder) (int, error) {
	f.reminded = append(f.reminded, r.ID)
	return len(r.Targets), nil
}

func newBot(t *testing.T) (*ClashDiscordBot, *fakeScheduler, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	sched := &fakeScheduler{store: store, rescheduled: make(map[string]time.Duration)}
	bot, err := New(context.New(stdcontext.Background(), "none"), store, sched)
	require.NoError(t, err)
	bot.Clock = clock.NewMockClock(time.Date(2026, 10, 24, 12, 0, 0, 0, time.UTC))
	return bot, sched, store
}

func create(t *testing.T, bot *ClashDiscordBot, guild string) *reminder.Reminder {
	t.Helper()
	r, err := bot.CreateReminder(reminder.Reminder{
		GuildID:   guild,
		ChannelID: "chan-1",
		EventType: snapshot.RaidWeekend,
		Offset:    6 * time.Hour,
		Targets:   []string{"2pp", "#2PP"},
	})
	require.NoError(t, err)
	return r
}

func TestCreateReminder(t *testing.T) {
	bot, sched, store := newBot(t)
	r := create(t, bot, "g1")

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, []string{"#2PP"}, r.Targets)
	assert.Equal(t, "chan-1", r.DeliveryTarget)
	assert.Equal(t, []string{r.ID}, sched.scheduled)

	stored, err := store.FindReminder(stdcontext.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Offset, stored.Offset)
}

func TestCreateReminderRejectsInvalid(t *testing.T) {
	bot, sched, _ := newBot(t)
	_, err := bot.CreateReminder(reminder.Reminder{
		GuildID:   "g1",
		ChannelID: "chan-1",
		EventType: snapshot.RaidWeekend,
		Offset:    10 * 24 * time.Hour,
		Targets:   []string{"#2PP"},
	})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Empty(t, sched.scheduled)
}

func TestEditReminder(t *testing.T) {
	bot, sched, _ := newBot(t)
	r := create(t, bot, "g1")

	offset := 2 * time.Hour
	msg := "{{.Clan}} raid ends soon"
	edited, err := bot.EditReminder("g1", r.ID, Edit{Offset: &offset, Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, offset, edited.Offset)
	assert.Equal(t, msg, edited.Message)
	assert.Equal(t, offset, sched.rescheduled[r.ID])

	// Message only keeps the offset.
	msg = "hurry"
	edited, err = bot.EditReminder("g1", r.ID, Edit{Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, offset, edited.Offset)
}

func TestOtherGuildCannotTouchReminder(t *testing.T) {
	bot, sched, _ := newBot(t)
	r := create(t, bot, "g1")

	err := bot.DeleteReminder("g2", r.ID)
	assert.ErrorIs(t, err, reminder.ErrNotFound)
	_, err = bot.RemindNow("g2", r.ID)
	assert.ErrorIs(t, err, reminder.ErrNotFound)
	assert.Empty(t, sched.cancelled)
	assert.Empty(t, sched.reminded)
}

func TestDeleteAndList(t *testing.T) {
	bot, sched, _ := newBot(t)
	a := create(t, bot, "g1")
	b := create(t, bot, "g1")
	create(t, bot, "g2")

	list, err := bot.ListReminders("g1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, bot.DeleteReminder("g1", a.ID))
	assert.Equal(t, []string{a.ID}, sched.cancelled)

	list, err = bot.ListReminders("g1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
}

func TestRemindNow(t *testing.T) {
	bot, sched, _ := newBot(t)
	r := create(t, bot, "g1")

	n, err := bot.RemindNow("g1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{r.ID}, sched.reminded)
}

func TestLinkPlayer(t *testing.T) {
	bot, _, store := newBot(t)

	tag, err := bot.LinkPlayer("q2o9", "42")
	require.NoError(t, err)
	assert.Equal(t, "#Q209", tag)

	users, err := store.LinkedUsers(stdcontext.Background(), []string{"#Q209"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"#Q209": "42"}, users)

	_, err = bot.LinkPlayer("hello!", "42")
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

package clashDiscordBot

import (
	"sort"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/clock"
	"github.com/meriley/clash-spy/internal/context"
	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
)

type ClashDiscordBot struct {
	Ctx       context.Ctx
	Store     Store
	Scheduler Scheduler
	Clock     clock.Clock
}

func New(ctx context.Ctx, store Store, sched Scheduler) (*ClashDiscordBot, error) {
	if store == nil || sched == nil {
		return nil, errors.New("store and scheduler are required")
	}
	return &ClashDiscordBot{
		Ctx:       ctx,
		Store:     store,
		Scheduler: sched,
		Clock:     clock.NewRealClock(),
	}, nil
}

// CreateReminder validates r, stores it and schedules its first job.
func (b *ClashDiscordBot) CreateReminder(r reminder.Reminder) (*reminder.Reminder, error) {
	created, err := reminder.New(r, b.Clock.Now())
	if err != nil {
		return nil, err
	}
	if err := b.Scheduler.ScheduleReminder(b.Ctx, created); err != nil {
		return nil, errors.Wrap(err, "failed to schedule reminder")
	}
	_ = level.Info(b.Ctx.Log()).Log("msg", "reminder created",
		"reminder", created.ID,
		"guild", created.GuildID,
		"event", created.EventType,
		"offset", created.Offset,
	)
	return created, nil
}

// EditReminder changes the offset or message of a reminder of guildID.
// Pending jobs move to the new offset.
func (b *ClashDiscordBot) EditReminder(guildID, id string, edit Edit) (*reminder.Reminder, error) {
	r, err := b.find(guildID, id)
	if err != nil {
		return nil, err
	}
	if edit.Message != nil {
		r.Message = *edit.Message
	}
	offset := r.Offset
	if edit.Offset != nil {
		offset = *edit.Offset
	}
	if err := b.Scheduler.RescheduleReminder(b.Ctx, r, offset); err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteReminder removes a reminder of guildID and its pending jobs.
func (b *ClashDiscordBot) DeleteReminder(guildID, id string) error {
	if _, err := b.find(guildID, id); err != nil {
		return err
	}
	return b.Scheduler.CancelReminder(b.Ctx, id)
}

// RemindNow posts the reminder right away without touching its jobs.
func (b *ClashDiscordBot) RemindNow(guildID, id string) (int, error) {
	r, err := b.find(guildID, id)
	if err != nil {
		return 0, err
	}
	return b.Scheduler.RemindNow(b.Ctx, r)
}

// ListReminders returns the reminders of guildID, oldest first.
func (b *ClashDiscordBot) ListReminders(guildID string) ([]*reminder.Reminder, error) {
	all, err := b.Store.ListReminders(b.Ctx, "")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reminders")
	}
	var out []*reminder.Reminder
	for _, r := range all {
		if r.GuildID == guildID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LinkPlayer links a player tag to a Discord user so reminders can mention
// them.
func (b *ClashDiscordBot) LinkPlayer(playerTag, userID string) (string, error) {
	tag := snapshot.NormalizeTag(playerTag)
	if !snapshot.ValidTag(tag) {
		return "", errs.Configuration("player", "%q is not a valid player tag", playerTag)
	}
	if err := b.Store.LinkPlayer(b.Ctx, tag, userID); err != nil {
		return "", errors.Wrap(err, "failed to link player")
	}
	return tag, nil
}

func (b *ClashDiscordBot) find(guildID, id string) (*reminder.Reminder, error) {
	r, err := b.Store.FindReminder(b.Ctx, id)
	if err != nil {
		return nil, err
	}
	if r.GuildID != guildID {
		return nil, errors.Wrap(reminder.ErrNotFound, id)
	}
	return r, nil
}

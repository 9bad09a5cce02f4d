package clashDiscordBot

import (
	"context"
	"time"

	"github.com/meriley/clash-spy/internal/reminder"
)

// Store is what the bot persists directly. Jobs and deliveries go through
// the scheduler.
type Store interface {
	reminder.Store
	LinkPlayer(ctx context.Context, playerTag, userID string) error
}

// Scheduler is the part of *scheduler.Scheduler the commands drive.
type Scheduler interface {
	ScheduleReminder(ctx context.Context, r *reminder.Reminder) error
	RescheduleReminder(ctx context.Context, r *reminder.Reminder, offset time.Duration) error
	CancelReminder(ctx context.Context, id string) error
	RemindNow(ctx context.Context, r *reminder.Reminder) (int, error)
}

// Edit lists the fields a reminder edit may change. Nil leaves a field
// alone.
type Edit struct {
	Offset  *time.Duration
	Message *string
}

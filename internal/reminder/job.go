package reminder

import (
	"context"
	"time"

	"github.com/meriley/clash-spy/internal/snapshot"
)

// JobState is the lifecycle of a scheduled job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobFiring    JobState = "firing"
	JobDelivered JobState = "delivered"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobDelivered || s == JobFailed || s == JobCancelled
}

// Job is a one-shot execution of a reminder for one occurrence. There is a
// single job document per (ReminderID, OccurrenceKey); a re-armed job moves
// back to pending instead of spawning a second document.
type Job struct {
	ID            string
	ReminderID    string
	OccurrenceKey string
	Targets       []string
	EventEnd      time.Time
	FireAt        time.Time
	State         JobState
	Attempts      int
	LeaseUntil    time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobID derives the job identity.
func JobID(reminderID, occurrenceKey string) string {
	return reminderID + "/" + occurrenceKey
}

// NewJob builds a pending job firing offset before eventEnd.
func NewJob(r *Reminder, occurrenceKey string, targets []string, eventEnd, now time.Time) Job {
	return Job{
		ID:            JobID(r.ID, occurrenceKey),
		ReminderID:    r.ID,
		OccurrenceKey: occurrenceKey,
		Targets:       targets,
		EventEnd:      eventEnd.UTC(),
		FireAt:        eventEnd.Add(-r.Offset).UTC(),
		State:         JobPending,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

// Store is the persistence boundary for reminders and their jobs.
type Store interface {
	UpsertReminder(ctx context.Context, r *Reminder) error
	FindReminder(ctx context.Context, id string) (*Reminder, error)
	ListReminders(ctx context.Context, eventType snapshot.EventType) ([]*Reminder, error)
	DeleteReminder(ctx context.Context, id string) error
	IncrementReminderFailures(ctx context.Context, id string) (int, error)
	ResetReminderFailures(ctx context.Context, id string) error
	SetReminderDisabled(ctx context.Context, id string, disabled bool) error

	// EnsureJob inserts job unless a job with the same ID exists in any
	// state. It reports whether the insert happened.
	EnsureJob(ctx context.Context, job Job) (bool, error)
	// ReschedulePending moves FireAt of the job only while it is pending.
	ReschedulePending(ctx context.Context, id string, fireAt time.Time) (bool, error)
	// ClaimDue atomically moves up to limit due jobs to firing with a lease.
	// Firing jobs whose lease expired are claimable again.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	// Rearm moves a firing job back to pending.
	Rearm(ctx context.Context, id string, fireAt time.Time, lastError string) error
	// FinishJob moves a firing job to a terminal state.
	FinishJob(ctx context.Context, id string, state JobState, lastError string) error
	// CancelPending deletes the pending jobs of a reminder.
	CancelPending(ctx context.Context, reminderID string) (int64, error)
	ListJobs(ctx context.Context, reminderID string) ([]Job, error)
}

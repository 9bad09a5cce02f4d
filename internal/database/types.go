package database

import (
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
)

// Reminder Document
type (
	ReminderDocument struct {
		ID             string             `bson:"_id"`
		GuildID        string             `bson:"guildId"`
		EventType      snapshot.EventType `bson:"eventType"`
		Offset         time.Duration      `bson:"offset"`
		Targets        []string           `bson:"targets"`
		Criteria       bson.Raw           `bson:"criteria,omitempty"`
		Message        string             `bson:"message,omitempty"`
		Disabled       bool               `bson:"disabled"`
		FailureCount   int                `bson:"failureCount"`
		ChannelID      string             `bson:"channelId"`
		DeliveryTarget string             `bson:"deliveryTarget"`
		CreatedAt      time.Time          `bson:"createdAt"`
		UpdatedAt      time.Time          `bson:"updatedAt"`
	}
)

// Job Document
type (
	JobDocument struct {
		ID            string            `bson:"_id"`
		ReminderID    string            `bson:"reminderId"`
		OccurrenceKey string            `bson:"occurrenceKey"`
		Targets       []string          `bson:"targets"`
		EventEnd      time.Time         `bson:"eventEnd"`
		FireAt        time.Time         `bson:"fireAt"`
		State         reminder.JobState `bson:"state"`
		Attempts      int               `bson:"attempts"`
		LeaseUntil    time.Time         `bson:"leaseUntil,omitempty"`
		LastError     string            `bson:"lastError,omitempty"`
		CreatedAt     time.Time         `bson:"createdAt"`
		UpdatedAt     time.Time         `bson:"updatedAt"`
	}
)

// Snapshot, Link and Baseline Documents
type (
	SnapshotDocument struct {
		EntityKey string                 `bson:"_id"`
		FetchedAt time.Time              `bson:"fetchedAt"`
		Snapshot  snapshot.EventSnapshot `bson:"snapshot"`
	}

	LinkDocument struct {
		PlayerTag string    `bson:"_id"`
		UserID    string    `bson:"userId"`
		LinkedAt  time.Time `bson:"linkedAt"`
	}

	BaselineDocument struct {
		ID        string `bson:"_id"`
		Key       string `bson:"key"`
		PlayerTag string `bson:"playerTag"`
		Total     int    `bson:"total"`
	}
)

func toReminderDocument(r *reminder.Reminder) (*ReminderDocument, error) {
	raw, err := bson.Marshal(r.Criteria)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode criteria")
	}
	return &ReminderDocument{
		ID:             r.ID,
		GuildID:        r.GuildID,
		EventType:      r.EventType,
		Offset:         r.Offset,
		Targets:        r.Targets,
		Criteria:       raw,
		Message:        r.Message,
		Disabled:       r.Disabled,
		FailureCount:   r.FailureCount,
		ChannelID:      r.ChannelID,
		DeliveryTarget: r.DeliveryTarget,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func (d *ReminderDocument) toReminder() (*reminder.Reminder, error) {
	criteria, err := decodeCriteria(d.EventType, d.Criteria)
	if err != nil {
		return nil, err
	}
	return &reminder.Reminder{
		ID:             d.ID,
		GuildID:        d.GuildID,
		EventType:      d.EventType,
		Offset:         d.Offset,
		Targets:        d.Targets,
		Criteria:       criteria,
		Message:        d.Message,
		Disabled:       d.Disabled,
		FailureCount:   d.FailureCount,
		ChannelID:      d.ChannelID,
		DeliveryTarget: d.DeliveryTarget,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}, nil
}

func decodeCriteria(t snapshot.EventType, raw bson.Raw) (reminder.Criteria, error) {
	if len(raw) == 0 {
		if c := reminder.DefaultCriteria(t); c != nil {
			return c, nil
		}
		return nil, errors.Errorf("unknown event type %q", t)
	}
	switch t {
	case snapshot.ClanWars:
		var c reminder.ClanWarCriteria
		err := bson.Unmarshal(raw, &c)
		return c, errors.Wrap(err, "failed to decode clan war criteria")
	case snapshot.PointsChallenge:
		var c reminder.PointsChallengeCriteria
		err := bson.Unmarshal(raw, &c)
		return c, errors.Wrap(err, "failed to decode points challenge criteria")
	case snapshot.RaidWeekend:
		var c reminder.RaidWeekendCriteria
		err := bson.Unmarshal(raw, &c)
		return c, errors.Wrap(err, "failed to decode raid weekend criteria")
	}
	return nil, errors.Errorf("unknown event type %q", t)
}

func toJobDocument(j reminder.Job) JobDocument {
	return JobDocument{
		ID:            j.ID,
		ReminderID:    j.ReminderID,
		OccurrenceKey: j.OccurrenceKey,
		Targets:       j.Targets,
		EventEnd:      j.EventEnd,
		FireAt:        j.FireAt,
		State:         j.State,
		Attempts:      j.Attempts,
		LeaseUntil:    j.LeaseUntil,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func (d JobDocument) toJob() reminder.Job {
	return reminder.Job{
		ID:            d.ID,
		ReminderID:    d.ReminderID,
		OccurrenceKey: d.OccurrenceKey,
		Targets:       d.Targets,
		EventEnd:      d.EventEnd.UTC(),
		FireAt:        d.FireAt.UTC(),
		State:         d.State,
		Attempts:      d.Attempts,
		LeaseUntil:    d.LeaseUntil.UTC(),
		LastError:     d.LastError,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

// Package memstore keeps every store in process memory. It backs the
// "memory" store driver and the tests of the packages built on top of it.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/ledger"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
)

type Store struct {
	mu        sync.Mutex
	reminders map[string]reminder.Reminder
	jobs      map[string]reminder.Job
	records   map[string]ledger.Record
	snapshots map[string]snapshot.EventSnapshot
	links     map[string]string
	baselines map[string]map[string]int
}

func New() *Store {
	return &Store{
		reminders: make(map[string]reminder.Reminder),
		jobs:      make(map[string]reminder.Job),
		records:   make(map[string]ledger.Record),
		snapshots: make(map[string]snapshot.EventSnapshot),
		links:     make(map[string]string),
		baselines: make(map[string]map[string]int),
	}
}

func (s *Store) UpsertReminder(_ context.Context, r *reminder.Reminder) error {
	if r == nil || r.ID == "" {
		return errors.New("reminder id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders[r.ID] = copyReminder(*r)
	return nil
}

func (s *Store) FindReminder(_ context.Context, id string) (*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return nil, errors.Wrap(reminder.ErrNotFound, id)
	}
	out := copyReminder(r)
	return &out, nil
}

// ListReminders returns reminders of eventType, or all of them when
// eventType is empty, oldest first.
func (s *Store) ListReminders(_ context.Context, eventType snapshot.EventType) ([]*reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reminder.Reminder
	for _, r := range s.reminders {
		if eventType != "" && r.EventType != eventType {
			continue
		}
		c := copyReminder(r)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteReminder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reminders[id]; !ok {
		return errors.Wrap(reminder.ErrNotFound, id)
	}
	delete(s.reminders, id)
	return nil
}

func (s *Store) IncrementReminderFailures(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return 0, errors.Wrap(reminder.ErrNotFound, id)
	}
	r.FailureCount++
	s.reminders[id] = r
	return r.FailureCount, nil
}

func (s *Store) ResetReminderFailures(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return errors.Wrap(reminder.ErrNotFound, id)
	}
	r.FailureCount = 0
	s.reminders[id] = r
	return nil
}

func (s *Store) SetReminderDisabled(_ context.Context, id string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return errors.Wrap(reminder.ErrNotFound, id)
	}
	r.Disabled = disabled
	s.reminders[id] = r
	return nil
}

func (s *Store) EnsureJob(_ context.Context, job reminder.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return false, nil
	}
	s.jobs[job.ID] = copyJob(job)
	return true, nil
}

func (s *Store) ReschedulePending(_ context.Context, id string, fireAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != reminder.JobPending {
		return false, nil
	}
	j.FireAt = fireAt.UTC()
	s.jobs[id] = j
	return true, nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]reminder.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []reminder.Job
	for _, j := range s.jobs {
		switch {
		case j.State == reminder.JobPending && !j.FireAt.After(now):
		case j.State == reminder.JobFiring && j.LeaseUntil.Before(now):
		default:
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].FireAt.Equal(due[k].FireAt) {
			return due[i].FireAt.Before(due[k].FireAt)
		}
		return due[i].ID < due[k].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].State = reminder.JobFiring
		due[i].LeaseUntil = now.Add(lease)
		due[i].Attempts++
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = copyJob(due[i])
	}
	return due, nil
}

func (s *Store) Rearm(_ context.Context, id string, fireAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.Errorf("job %s not found", id)
	}
	if j.State != reminder.JobFiring {
		return errors.Errorf("job %s is %s, not firing", id, j.State)
	}
	j.State = reminder.JobPending
	j.FireAt = fireAt.UTC()
	j.LeaseUntil = time.Time{}
	j.LastError = lastError
	s.jobs[id] = j
	return nil
}

func (s *Store) FinishJob(_ context.Context, id string, state reminder.JobState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.Errorf("job %s not found", id)
	}
	j.State = state
	j.LeaseUntil = time.Time{}
	j.LastError = lastError
	s.jobs[id] = j
	return nil
}

func (s *Store) CancelPending(_ context.Context, reminderID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.ReminderID == reminderID && j.State == reminder.JobPending {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListJobs(_ context.Context, reminderID string) ([]reminder.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reminder.Job
	for _, j := range s.jobs {
		if reminderID == "" || j.ReminderID == reminderID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) GetRecord(_ context.Context, key string) (*ledger.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, errors.Wrap(ledger.ErrRecordNotFound, key)
	}
	out := copyRecord(rec)
	return &out, nil
}

func (s *Store) InsertRecord(_ context.Context, rec *ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return errors.Wrap(ledger.ErrRecordExists, rec.Key)
	}
	s.records[rec.Key] = copyRecord(*rec)
	return nil
}

func (s *Store) UpdateRecordIf(_ context.Context, key string, expectedVersion int64, rec *ledger.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	next := copyRecord(*rec)
	next.Key = key
	s.records[key] = next
	return true, nil
}

func (s *Store) LastSnapshot(_ context.Context, entityKey string) (*snapshot.EventSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[entityKey]
	if !ok {
		return nil, errors.Wrap(snapshot.ErrNoSnapshot, entityKey)
	}
	out := copySnapshot(snap)
	return &out, nil
}

func (s *Store) SaveSnapshot(_ context.Context, entityKey string, snap *snapshot.EventSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[entityKey]; ok && !snap.FetchedAt.After(cur.FetchedAt) {
		return false, nil
	}
	s.snapshots[entityKey] = copySnapshot(*snap)
	return true, nil
}

// LinkPlayer records that playerTag belongs to Discord user userID.
func (s *Store) LinkPlayer(_ context.Context, playerTag, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[playerTag] = userID
	return nil
}

func (s *Store) LinkedUsers(_ context.Context, playerTags []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(playerTags))
	for _, tag := range playerTags {
		if id, ok := s.links[tag]; ok {
			out[tag] = id
		}
	}
	return out, nil
}

// SeedBaselines stores totals for players first seen under key and returns
// the baselines of every requested player.
func (s *Store) SeedBaselines(_ context.Context, key string, totals map[string]int) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[key]
	if !ok {
		b = make(map[string]int, len(totals))
		s.baselines[key] = b
	}
	out := make(map[string]int, len(totals))
	for tag, total := range totals {
		if _, seen := b[tag]; !seen {
			b[tag] = total
		}
		out[tag] = b[tag]
	}
	return out, nil
}

func copyReminder(r reminder.Reminder) reminder.Reminder {
	r.Targets = append([]string(nil), r.Targets...)
	return r
}

func copyJob(j reminder.Job) reminder.Job {
	j.Targets = append([]string(nil), j.Targets...)
	return j
}

func copyRecord(r ledger.Record) ledger.Record {
	r.PreviousUIDs = append([]string(nil), r.PreviousUIDs...)
	return r
}

func copySnapshot(s snapshot.EventSnapshot) snapshot.EventSnapshot {
	s.Members = copyMembers(s.Members)
	s.Opponents = copyMembers(s.Opponents)
	return s
}

func copyMembers(in []snapshot.Member) []snapshot.Member {
	if in == nil {
		return nil
	}
	out := make([]snapshot.Member, len(in))
	for i, m := range in {
		m.Actions = append([]snapshot.Action(nil), m.Actions...)
		out[i] = m
	}
	return out
}

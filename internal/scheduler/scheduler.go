// Package scheduler owns reminder jobs: it creates one job per reminder and
// occurrence, fires due jobs on a bounded worker pool and turns the result of
// every firing into job state and reminder health.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/meriley/clash-spy/internal/clock"
	"github.com/meriley/clash-spy/internal/differ"
	"github.com/meriley/clash-spy/internal/eligibility"
	"github.com/meriley/clash-spy/internal/ledger"
	"github.com/meriley/clash-spy/internal/metrics"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
	"github.com/meriley/clash-spy/internal/timewindow"
)

// Source reads live event state from the game.
type Source interface {
	FetchSnapshot(ctx context.Context, eventType snapshot.EventType, clanTag string) (*snapshot.EventSnapshot, error)
	FetchRoster(ctx context.Context, clanTag string) (eligibility.Roster, error)
}

// NoticeKind says what a rendered notice is about.
type NoticeKind string

const (
	// KindReminder is the regular reminder fired Offset before the end.
	KindReminder NoticeKind = "reminder"
	// KindEnding is sent by an offset 0 reminder while the event has not
	// been reported as ended yet.
	KindEnding NoticeKind = "ending"
	// KindMissed reports who did not use their attacks once it ended.
	KindMissed NoticeKind = "missed"
)

type Notice struct {
	Kind        NoticeKind
	Reminder    *reminder.Reminder
	Snapshot    *snapshot.EventSnapshot
	Delta       differ.Delta
	Eligibility eligibility.Result
	// Missed is Delta.Missed restricted to eligible members.
	Missed []differ.Missed
}

// Renderer turns a notice into channel content. Errors wrapping
// errs.ErrTemplate blame the reminder configuration; other errors blame the
// content of this occurrence.
type Renderer interface {
	Render(n Notice) (ledger.Content, error)
}

// Deliverer is the delivery ledger.
type Deliverer interface {
	Deliver(ctx context.Context, key string, content ledger.Content, uid string) (ledger.Outcome, error)
	RecordFailure(ctx context.Context, key, uid string, content ledger.Content, cause error) error
}

type Config struct {
	Workers          int
	Tick             time.Duration
	JobTimeout       time.Duration
	Lease            time.Duration
	EndPollInterval  time.Duration
	MaxEndPolls      int
	WarSync          time.Duration
	BaselineSync     time.Duration
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Tick <= 0 {
		c.Tick = 10 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 45 * time.Second
	}
	if c.Lease <= c.JobTimeout {
		c.Lease = 2 * c.JobTimeout
	}
	if c.EndPollInterval <= 0 {
		c.EndPollInterval = 2 * time.Minute
	}
	if c.MaxEndPolls <= 0 {
		c.MaxEndPolls = 30
	}
	if c.WarSync <= 0 {
		c.WarSync = 5 * time.Minute
	}
	if c.BaselineSync <= 0 {
		c.BaselineSync = time.Hour
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	return c
}

type Deps struct {
	Reminders reminder.Store
	Snapshots snapshot.Store
	Links     eligibility.LinkStore
	Source    Source
	// Baselines seeds points challenge baselines; optional.
	Baselines BaselineSeeder
	Renderer  Renderer
	Ledger    Deliverer
	// Channel is used directly by RemindNow, bypassing the ledger.
	Channel ledger.Channel
	Clock   clock.Clock
	Logger  log.Logger
	Metrics *metrics.Metrics
}

type Scheduler struct {
	cfg       Config
	reminders reminder.Store
	snapshots snapshot.Store
	links     eligibility.LinkStore
	source    Source
	baselines BaselineSeeder
	renderer  Renderer
	ledger    Deliverer
	channel   ledger.Channel
	clock     clock.Clock
	logger    log.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:       cfg,
		reminders: deps.Reminders,
		snapshots: deps.Snapshots,
		links:     deps.Links,
		source:    deps.Source,
		baselines: deps.Baselines,
		renderer:  deps.Renderer,
		ledger:    deps.Ledger,
		channel:   deps.Channel,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tracer:    otel.Tracer("github.com/meriley/clash-spy/internal/scheduler"),
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
	}
	if s.clock == nil {
		s.clock = clock.NewRealClock()
	}
	if s.logger == nil {
		s.logger = log.NewNopLogger()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewDiscard()
	}
	s.logger = log.With(s.logger, "component", "scheduler")
	return s
}

// Run fires due jobs until ctx is done, then waits for in-flight firings.
func (s *Scheduler) Run(ctx context.Context) error {
	_ = level.Info(s.logger).Log("msg", "scheduler started", "workers", s.cfg.Workers, "tick", s.cfg.Tick)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			// Wait for every worker slot to come back.
			_ = s.sem.Acquire(context.Background(), int64(s.cfg.Workers))
			s.sem.Release(int64(s.cfg.Workers))
			_ = level.Info(s.logger).Log("msg", "scheduler stopped")
			return nil
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch claims as many due jobs as there are free workers and fires each
// on its own goroutine.
func (s *Scheduler) dispatch(ctx context.Context) {
	free := int64(s.cfg.Workers) - s.inFlight.Load()
	if free <= 0 {
		return
	}
	jobs, err := s.reminders.ClaimDue(ctx, s.clock.Now(), s.cfg.Lease, int(free))
	if err != nil {
		// Jobs claimed before the error are leased to this run; fire them.
		_ = level.Error(s.logger).Log("error", err.Error(), "msg", "claim due jobs", "claimed", len(jobs))
	}
	for _, job := range jobs {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Shutting down; the lease expires and another run picks it up.
			return
		}
		s.inFlight.Add(1)
		s.metrics.InFlight.Add(1)
		go func(job reminder.Job) {
			defer func() {
				s.inFlight.Add(-1)
				s.metrics.InFlight.Add(-1)
				s.sem.Release(1)
			}()
			_ = s.FireJob(context.WithoutCancel(ctx), job)
		}(job)
	}
}

// ScheduleReminder stores r and creates the job for its next occurrence.
// Clan war jobs are created from the live war state.
func (s *Scheduler) ScheduleReminder(ctx context.Context, r *reminder.Reminder) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.UpdatedAt = s.clock.Now()
	if err := s.reminders.UpsertReminder(ctx, r); err != nil {
		return errors.Wrap(err, "store reminder")
	}
	switch r.EventType {
	case snapshot.ClanWars:
		if err := s.syncReminder(ctx, r, make(map[string]*snapshot.EventSnapshot)); err != nil {
			_ = level.Warn(s.logger).Log("msg", "initial war sync failed", "reminder", r.ID, "error", err)
		}
		return nil
	case snapshot.PointsChallenge:
		s.seedBaselines(ctx, r.Targets, make(map[string]struct{}))
	}
	return s.scheduleCalendar(ctx, r, s.clock.Now())
}

// RescheduleReminder changes the offset of r and moves its pending jobs. No
// second job is created for an occurrence that already has one.
func (s *Scheduler) RescheduleReminder(ctx context.Context, r *reminder.Reminder, offset time.Duration) error {
	r.Offset = offset
	if err := r.Validate(); err != nil {
		return err
	}
	r.UpdatedAt = s.clock.Now()
	if err := s.reminders.UpsertReminder(ctx, r); err != nil {
		return errors.Wrap(err, "store reminder")
	}
	jobs, err := s.reminders.ListJobs(ctx, r.ID)
	if err != nil {
		return errors.Wrap(err, "list jobs")
	}
	for _, job := range jobs {
		if job.State != reminder.JobPending {
			continue
		}
		fireAt := job.EventEnd.Add(-offset)
		if _, err := s.reminders.ReschedulePending(ctx, job.ID, fireAt); err != nil {
			return errors.Wrapf(err, "reschedule job %s", job.ID)
		}
		_ = level.Debug(s.logger).Log("msg", "job rescheduled", "job", job.ID, "fireAt", fireAt)
	}
	if r.EventType != snapshot.ClanWars && !r.Disabled {
		return s.scheduleCalendar(ctx, r, s.clock.Now())
	}
	return nil
}

// CancelReminder deletes the reminder and its pending jobs.
func (s *Scheduler) CancelReminder(ctx context.Context, id string) error {
	if err := s.reminders.DeleteReminder(ctx, id); err != nil {
		return errors.Wrapf(err, "delete reminder %s", id)
	}
	n, err := s.reminders.CancelPending(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "cancel jobs of %s", id)
	}
	_ = level.Info(s.logger).Log("msg", "reminder cancelled", "reminder", id, "jobs", n)
	return nil
}

// Resume makes sure every enabled calendar reminder has a job after a
// restart. Existing jobs are left alone.
func (s *Scheduler) Resume(ctx context.Context) error {
	rs, err := s.reminders.ListReminders(ctx, "")
	if err != nil {
		return errors.Wrap(err, "list reminders")
	}
	now := s.clock.Now()
	for _, r := range rs {
		if r.Disabled || r.EventType == snapshot.ClanWars {
			continue
		}
		if err := s.scheduleCalendar(ctx, r, now); err != nil {
			_ = level.Error(s.logger).Log("error", err.Error(), "msg", "resume reminder", "reminder", r.ID)
		}
	}
	return nil
}

// scheduleCalendar ensures the job of the occurrence current at now, or of
// the following one when this occurrence's fire time already passed.
func (s *Scheduler) scheduleCalendar(ctx context.Context, r *reminder.Reminder, now time.Time) error {
	w, err := timewindow.Resolve(r.EventType, now)
	if err != nil {
		return errors.Wrap(err, "resolve occurrence")
	}
	if w.End.Add(-r.Offset).Before(now) {
		if w, err = timewindow.Next(r.EventType, w); err != nil {
			return errors.Wrap(err, "resolve next occurrence")
		}
	}
	return s.ensureJob(ctx, r, w, r.Targets, now)
}

func (s *Scheduler) ensureJob(ctx context.Context, r *reminder.Reminder, w timewindow.Window, targets []string, now time.Time) error {
	job := reminder.NewJob(r, w.Key, targets, w.End, now)
	inserted, err := s.reminders.EnsureJob(ctx, job)
	if err != nil {
		return errors.Wrapf(err, "ensure job %s", job.ID)
	}
	if inserted {
		_ = level.Info(s.logger).Log("msg", "job scheduled", "job", job.ID, "fireAt", job.FireAt)
	}
	return nil
}

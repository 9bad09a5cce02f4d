package scheduler

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meriley/clash-spy/internal/differ"
	"github.com/meriley/clash-spy/internal/eligibility"
	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/ledger"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
	"github.com/meriley/clash-spy/internal/timewindow"
)

// result is what one target of a firing came to, worst first.
type result int

const (
	resultDone result = iota
	// resultWaiting: an offset 0 reminder fired before the event was
	// reported as ended.
	resultWaiting
	// resultTransient: the game or the channel was unavailable.
	resultTransient
	// resultFailed: this occurrence could not be delivered.
	resultFailed
	// resultPermanent: the reminder itself is broken (gone clan, lost
	// channel access, bad template).
	resultPermanent
)

type targetResult struct {
	result result
	err    error
}

// FireJob runs job to completion: every target is fetched, filtered,
// rendered and delivered, then the job moves to its next state. The
// returned error is the worst target error, if any.
func (s *Scheduler) FireJob(ctx context.Context, job reminder.Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "scheduler.FireJob", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("reminder.id", job.ReminderID),
		attribute.String("occurrence", job.OccurrenceKey),
		attribute.Int("attempt", job.Attempts),
	))
	defer span.End()

	started := s.clock.Now()
	defer func() {
		s.metrics.FireSeconds.Observe(s.clock.Now().Sub(started).Seconds())
	}()
	s.metrics.JobsFired.Add(1)
	logger := s.loggerFor(job)

	r, err := s.reminders.FindReminder(ctx, job.ReminderID)
	if errors.Is(err, reminder.ErrNotFound) {
		return s.finish(ctx, job, reminder.JobCancelled, "reminder deleted")
	}
	if err != nil {
		// Leave the job firing; it is reclaimed when the lease runs out.
		_ = level.Error(logger).Log("error", err.Error(), "msg", "load reminder")
		return errors.Wrap(err, "load reminder")
	}
	if r.Disabled {
		return s.finish(ctx, job, reminder.JobCancelled, "reminder disabled")
	}
	span.SetAttributes(attribute.String("event.type", string(r.EventType)))

	worst := targetResult{result: resultDone}
	for _, tag := range job.Targets {
		res := s.fireTarget(ctx, r, job, tag)
		if res.err != nil {
			_ = level.Warn(logger).Log("msg", "target failed", "clan", tag, "error", res.err)
		}
		if res.result > worst.result {
			worst = res
		}
	}
	if worst.err != nil {
		span.RecordError(worst.err)
		span.SetStatus(codes.Error, worst.err.Error())
	}

	now := s.clock.Now()
	switch worst.result {
	case resultDone:
		if r.FailureCount > 0 {
			if err := s.reminders.ResetReminderFailures(ctx, r.ID); err != nil {
				_ = level.Error(logger).Log("error", err.Error(), "msg", "reset reminder failures")
			}
		}
		if err := s.finish(ctx, job, reminder.JobDelivered, ""); err != nil {
			return err
		}
		s.scheduleFollowing(ctx, r, job, now)
		return nil

	case resultWaiting, resultTransient:
		if job.Attempts >= s.cfg.MaxEndPolls {
			msg := "gave up waiting for the event to end"
			if worst.err != nil {
				msg = worst.err.Error()
			}
			s.metrics.JobsFailed.Add(1)
			if err := s.finish(ctx, job, reminder.JobFailed, msg); err != nil {
				return err
			}
			s.scheduleFollowing(ctx, r, job, now)
			return worst.err
		}
		lastError := ""
		if worst.err != nil {
			lastError = worst.err.Error()
		}
		s.metrics.JobsRearmed.Add(1)
		if err := s.reminders.Rearm(context.WithoutCancel(ctx), job.ID, now.Add(s.cfg.EndPollInterval), lastError); err != nil {
			return errors.Wrapf(err, "rearm job %s", job.ID)
		}
		_ = level.Debug(logger).Log("msg", "job rearmed", "in", s.cfg.EndPollInterval)
		return worst.err

	case resultPermanent:
		s.metrics.JobsFailed.Add(1)
		s.countFailure(ctx, r, worst.err)
		if err := s.finish(ctx, job, reminder.JobFailed, worst.err.Error()); err != nil {
			return err
		}
		s.scheduleFollowing(ctx, r, job, now)
		return worst.err

	default:
		s.metrics.JobsFailed.Add(1)
		if err := s.finish(ctx, job, reminder.JobFailed, worst.err.Error()); err != nil {
			return err
		}
		s.scheduleFollowing(ctx, r, job, now)
		return worst.err
	}
}

// fireTarget runs the pipeline for one clan of a job.
func (s *Scheduler) fireTarget(ctx context.Context, r *reminder.Reminder, job reminder.Job, tag string) targetResult {
	snap, err := s.source.FetchSnapshot(ctx, r.EventType, tag)
	if errors.Is(err, snapshot.ErrNoOccurrence) {
		_ = level.Info(s.loggerFor(job)).Log("msg", "no occurrence in progress", "clan", tag)
		return targetResult{result: resultDone}
	}
	if err != nil {
		return classify(errors.Wrapf(err, "fetch %s", tag))
	}
	if r.EventType == snapshot.ClanWars && timewindow.ForWar(snap).Key != job.OccurrenceKey {
		// The clan moved on to another war; this occurrence is over.
		_ = level.Info(s.loggerFor(job)).Log("msg", "war no longer current", "clan", tag, "uid", snap.UID)
		return targetResult{result: resultDone}
	}

	roster, err := s.roster(ctx, tag)
	if err != nil {
		return classify(err)
	}

	// The previous snapshot is the one last delivered under this ledger key,
	// so each message is diffed against what it showed.
	key := ledger.Key(r.DeliveryTarget, r.EventType, tag)
	prev, err := s.snapshots.LastSnapshot(ctx, key)
	if err != nil && !errors.Is(err, snapshot.ErrNoSnapshot) {
		return targetResult{result: resultTransient, err: errors.Wrap(err, "load last snapshot")}
	}
	delta := differ.Diff(prev, snap)
	eligible := eligibility.Filter(roster, snap, r.Criteria)

	notice := Notice{
		Kind:        KindReminder,
		Reminder:    r,
		Snapshot:    snap,
		Delta:       delta,
		Eligibility: eligible,
	}
	waiting := false
	if r.Offset == 0 {
		if snap.State == snapshot.StateEnded {
			notice.Kind = KindMissed
			notice.Missed = missedAmong(delta.Missed, eligible)
		} else {
			notice.Kind = KindEnding
			waiting = true
		}
	}
	done := targetResult{result: resultDone}
	if waiting {
		done.result = resultWaiting
	}

	// Missed reports always go out; the ledger drops identical ones.
	if notice.Kind != KindMissed && delta.Empty() {
		_ = level.Debug(s.loggerFor(job)).Log("msg", "nothing new", "clan", tag, "uid", snap.UID)
		return done
	}
	if notice.Kind != KindMissed && len(eligible.Recipients) == 0 {
		_ = level.Debug(s.loggerFor(job)).Log("msg", "nobody to remind", "clan", tag)
		return done
	}

	content, err := s.renderer.Render(notice)
	if err != nil {
		if errors.Is(err, errs.ErrTemplate) {
			return targetResult{result: resultPermanent, err: errors.Wrap(err, "render")}
		}
		content.Revision = snap.Revision()
		if ferr := s.ledger.RecordFailure(ctx, key, snap.UID, content, err); ferr != nil {
			_ = level.Error(s.loggerFor(job)).Log("error", ferr.Error(), "msg", "record render failure", "key", key)
		}
		return targetResult{result: resultFailed, err: errors.Wrap(err, "render")}
	}
	if content.Revision == 0 {
		content.Revision = snap.Revision()
	}

	out, err := s.ledger.Deliver(ctx, key, content, snap.UID)
	if err != nil {
		return classify(err)
	}
	s.metrics.Delivered(string(out.Action)).Add(1)
	_ = level.Info(s.loggerFor(job)).Log("msg", "delivered", "clan", tag, "key", key, "action", out.Action, "ref", out.MessageRef)
	s.saveSnapshot(ctx, key, snap)
	return done
}

// roster reads the clan members and joins their linked accounts.
func (s *Scheduler) roster(ctx context.Context, tag string) (eligibility.Roster, error) {
	roster, err := s.source.FetchRoster(ctx, tag)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch roster %s", tag)
	}
	if s.links == nil || len(roster) == 0 {
		return roster, nil
	}
	tags := make([]string, 0, len(roster))
	for _, m := range roster {
		tags = append(tags, m.Tag)
	}
	linked, err := s.links.LinkedUsers(ctx, tags)
	if err != nil {
		return nil, errors.Wrap(errs.ErrUnavailable, "linked users: "+err.Error())
	}
	out := make(eligibility.Roster, len(roster))
	for i, m := range roster {
		if id, ok := linked[m.Tag]; ok && m.UserID == "" {
			m.UserID = id
		}
		out[i] = m
	}
	return out, nil
}

func (s *Scheduler) saveSnapshot(ctx context.Context, entityKey string, snap *snapshot.EventSnapshot) {
	if _, err := s.snapshots.SaveSnapshot(ctx, entityKey, snap); err != nil {
		_ = level.Error(s.logger).Log("error", err.Error(), "msg", "save snapshot", "entity", entityKey)
	}
}

// countFailure charges a permanent failure to the reminder and disables it
// once the threshold is reached.
func (s *Scheduler) countFailure(ctx context.Context, r *reminder.Reminder, cause error) {
	ctx = context.WithoutCancel(ctx)
	n, err := s.reminders.IncrementReminderFailures(ctx, r.ID)
	if err != nil {
		_ = level.Error(s.logger).Log("error", err.Error(), "msg", "count reminder failure", "reminder", r.ID)
		return
	}
	if n < s.cfg.FailureThreshold {
		return
	}
	if err := s.reminders.SetReminderDisabled(ctx, r.ID, true); err != nil {
		_ = level.Error(s.logger).Log("error", err.Error(), "msg", "disable reminder", "reminder", r.ID)
		return
	}
	r.Disabled = true
	cancelled, err := s.reminders.CancelPending(ctx, r.ID)
	if err != nil {
		_ = level.Error(s.logger).Log("error", err.Error(), "msg", "cancel jobs", "reminder", r.ID)
	}
	s.metrics.RemindersDisabled.Add(1)
	_ = level.Warn(s.logger).Log("msg", "reminder disabled", "reminder", r.ID, "failures", n, "cancelled", cancelled, "cause", cause)
}

// scheduleFollowing creates the next occurrence's job of a calendar
// reminder once the current one is terminal.
func (s *Scheduler) scheduleFollowing(ctx context.Context, r *reminder.Reminder, job reminder.Job, now time.Time) {
	if r.Disabled || r.EventType == snapshot.ClanWars {
		return
	}
	ctx = context.WithoutCancel(ctx)
	current, err := timewindow.Resolve(r.EventType, job.EventEnd.Add(-time.Nanosecond))
	if err != nil {
		_ = level.Error(s.logger).Log("error", err.Error(), "msg", "resolve occurrence", "reminder", r.ID)
		return
	}
	next, err := timewindow.Next(r.EventType, current)
	if err != nil {
		_ = level.Error(s.logger).Log("error", err.Error(), "msg", "resolve next occurrence", "reminder", r.ID)
		return
	}
	if err := s.ensureJob(ctx, r, next, r.Targets, now); err != nil {
		_ = level.Error(s.logger).Log("error", err.Error(), "msg", "schedule next occurrence", "reminder", r.ID)
	}
}

func (s *Scheduler) finish(ctx context.Context, job reminder.Job, state reminder.JobState, lastError string) error {
	if err := s.reminders.FinishJob(context.WithoutCancel(ctx), job.ID, state, lastError); err != nil {
		_ = level.Error(s.logger).Log("error", err.Error(), "msg", "finish job", "job", job.ID, "state", state)
		return errors.Wrapf(err, "finish job %s", job.ID)
	}
	return nil
}

func (s *Scheduler) loggerFor(job reminder.Job) log.Logger {
	return log.With(s.logger, "job", job.ID, "reminder", job.ReminderID)
}

// classify maps a fetch or delivery error to how the job should react.
func classify(err error) targetResult {
	switch {
	case errs.IsTransient(err):
		return targetResult{result: resultTransient, err: err}
	case errs.IsPermanent(err):
		return targetResult{result: resultPermanent, err: err}
	}
	return targetResult{result: resultFailed, err: err}
}

func missedAmong(missed []differ.Missed, eligible eligibility.Result) []differ.Missed {
	in := make(map[string]struct{}, len(eligible.Recipients))
	for _, id := range eligible.Recipients {
		in[id.Tag] = struct{}{}
	}
	var out []differ.Missed
	for _, m := range missed {
		if _, ok := in[m.Tag]; ok {
			out = append(out, m)
		}
	}
	return out
}

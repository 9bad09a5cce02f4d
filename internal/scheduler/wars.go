package scheduler

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
	"github.com/meriley/clash-spy/internal/timewindow"
)

// RunWarSync calls SyncWars every WarSync interval until ctx is done.
func (s *Scheduler) RunWarSync(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.WarSync)
	defer ticker.Stop()
	for {
		if err := s.SyncWars(ctx); err != nil {
			_ = level.Error(s.logger).Log("error", err.Error(), "msg", "war sync")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncWars creates a job for every clan war reminder and war currently in
// preparation or battle. Each clan is fetched once per pass.
func (s *Scheduler) SyncWars(ctx context.Context) error {
	rs, err := s.reminders.ListReminders(ctx, snapshot.ClanWars)
	if err != nil {
		return errors.Wrap(err, "list war reminders")
	}
	wars := make(map[string]*snapshot.EventSnapshot)
	for _, r := range rs {
		if r.Disabled {
			continue
		}
		if err := s.syncReminder(ctx, r, wars); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_ = level.Warn(s.logger).Log("msg", "war sync failed", "reminder", r.ID, "error", err)
		}
	}
	return nil
}

// syncReminder ensures the war jobs of one reminder. wars caches snapshots
// for the current pass; a nil entry marks a clan that is not at war.
func (s *Scheduler) syncReminder(ctx context.Context, r *reminder.Reminder, wars map[string]*snapshot.EventSnapshot) error {
	now := s.clock.Now()
	var firstErr error
	for _, tag := range r.Targets {
		snap, seen := wars[tag]
		if !seen {
			var err error
			snap, err = s.source.FetchSnapshot(ctx, snapshot.ClanWars, tag)
			switch {
			case errors.Is(err, snapshot.ErrNoOccurrence):
				snap = nil
			case err != nil:
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "fetch war of %s", tag)
				}
				continue
			}
			wars[tag] = snap
		}
		if snap == nil || snap.State == snapshot.StateEnded {
			continue
		}
		if err := s.ensureJob(ctx, r, timewindow.ForWar(snap), []string{tag}, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package scheduler

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/snapshot"
)

// BaselineSeeder records the points challenge totals a clan's members start
// the season with. Totals already recorded for the season are kept.
type BaselineSeeder interface {
	SeedGamesBaselines(ctx context.Context, clanTag string) error
}

// RunBaselineSync calls SyncBaselines every BaselineSync interval until ctx
// is done.
func (s *Scheduler) RunBaselineSync(ctx context.Context) error {
	if s.baselines == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.BaselineSync)
	defer ticker.Stop()
	for {
		if err := s.SyncBaselines(ctx); err != nil {
			_ = level.Error(s.logger).Log("error", err.Error(), "msg", "baseline sync")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncBaselines seeds the baselines of every clan targeted by an enabled
// points challenge reminder, each clan once per pass. Running it through
// the weeks between seasons pins the totals before the games start.
func (s *Scheduler) SyncBaselines(ctx context.Context) error {
	if s.baselines == nil {
		return nil
	}
	rs, err := s.reminders.ListReminders(ctx, snapshot.PointsChallenge)
	if err != nil {
		return errors.Wrap(err, "list points challenge reminders")
	}
	seen := make(map[string]struct{})
	for _, r := range rs {
		if r.Disabled {
			continue
		}
		s.seedBaselines(ctx, r.Targets, seen)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) seedBaselines(ctx context.Context, tags []string, seen map[string]struct{}) {
	if s.baselines == nil {
		return
	}
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		if err := s.baselines.SeedGamesBaselines(ctx, tag); err != nil {
			_ = level.Warn(s.logger).Log("msg", "seed baselines failed", "clan", tag, "error", err)
		}
	}
}

package scheduler

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/differ"
	"github.com/meriley/clash-spy/internal/eligibility"
	"github.com/meriley/clash-spy/internal/reminder"
)

// RemindNow sends r's reminder for the current state of every target right
// away. It creates no job and bypasses the ledger, so every call posts a new
// message. It returns how many messages were sent.
func (s *Scheduler) RemindNow(ctx context.Context, r *reminder.Reminder) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	sent := 0
	for _, tag := range r.Targets {
		snap, err := s.source.FetchSnapshot(ctx, r.EventType, tag)
		if err != nil {
			return sent, errors.Wrapf(err, "fetch %s", tag)
		}
		roster, err := s.roster(ctx, tag)
		if err != nil {
			return sent, err
		}
		eligible := eligibility.Filter(roster, snap, r.Criteria)
		if len(eligible.Recipients) == 0 {
			continue
		}
		content, err := s.renderer.Render(Notice{
			Kind:        KindReminder,
			Reminder:    r,
			Snapshot:    snap,
			Delta:       differ.Diff(nil, snap),
			Eligibility: eligible,
		})
		if err != nil {
			return sent, errors.Wrap(err, "render")
		}
		ref, err := s.channel.Send(ctx, r.DeliveryTarget, content.Payload)
		if err != nil {
			return sent, errors.Wrapf(err, "send to %s", r.DeliveryTarget)
		}
		sent++
		_ = level.Info(s.logger).Log("msg", "reminded now", "reminder", r.ID, "clan", tag, "ref", ref)
	}
	return sent, nil
}

// Package metrics holds the engine's counters and histograms.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/expvar"
)

// DeliveryActions are the ledger outcomes counted separately. Anything else
// lands in the "other" counter.
var DeliveryActions = []string{"created", "edited", "noop", "stale", "failed"}

const otherAction = "other"

type Metrics struct {
	JobsFired   metrics.Counter
	JobsFailed  metrics.Counter
	JobsRearmed metrics.Counter
	// Deliveries holds one counter per ledger action. The expvar backend
	// ignores label values, hence no With("action", ...).
	Deliveries        map[string]metrics.Counter
	RemindersDisabled metrics.Counter
	InFlight          metrics.Gauge
	// FireSeconds observes how long one job firing took.
	FireSeconds metrics.Histogram
}

// Delivered returns the counter of one ledger action.
func (m *Metrics) Delivered(action string) metrics.Counter {
	if c, ok := m.Deliveries[action]; ok {
		return c
	}
	if c, ok := m.Deliveries[otherAction]; ok {
		return c
	}
	return discard.NewCounter()
}

// NewExpvar publishes the metrics in the expvar registry, served under
// /debug/vars.
func NewExpvar() *Metrics {
	deliveries := make(map[string]metrics.Counter, len(DeliveryActions)+1)
	for _, action := range DeliveryActions {
		deliveries[action] = expvar.NewCounter("clashspy_deliveries_" + action)
	}
	deliveries[otherAction] = expvar.NewCounter("clashspy_deliveries_" + otherAction)
	return &Metrics{
		JobsFired:         expvar.NewCounter("clashspy_jobs_fired"),
		JobsFailed:        expvar.NewCounter("clashspy_jobs_failed"),
		JobsRearmed:       expvar.NewCounter("clashspy_jobs_rearmed"),
		Deliveries:        deliveries,
		RemindersDisabled: expvar.NewCounter("clashspy_reminders_disabled"),
		InFlight:          expvar.NewGauge("clashspy_jobs_in_flight"),
		FireSeconds:       expvar.NewHistogram("clashspy_fire_seconds", 50),
	}
}

func NewDiscard() *Metrics {
	return &Metrics{
		JobsFired:         discard.NewCounter(),
		JobsFailed:        discard.NewCounter(),
		JobsRearmed:       discard.NewCounter(),
		Deliveries:        map[string]metrics.Counter{},
		RemindersDisabled: discard.NewCounter(),
		InFlight:          discard.NewGauge(),
		FireSeconds:       discard.NewHistogram(),
	}
}

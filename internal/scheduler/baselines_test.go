package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meriley/clash-spy/internal/errs"
)

type fakeSeeder struct {
	mu     sync.Mutex
	seeded []string
	err    error
}

func (f *fakeSeeder) SeedGamesBaselines(_ context.Context, clanTag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = append(f.seeded, clanTag)
	return f.err
}

func (f *fakeSeeder) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seeded...)
}

func newSeederHarness(t *testing.T, cfg Config) (*harness, *fakeSeeder) {
	t.Helper()
	seeder := &fakeSeeder{}
	h := newHarnessWith(t, cfg, func(_ *harness, d *Deps) {
		d.Baselines = seeder
	})
	ctx := context.Background()

	games := gamesReminder(time.Hour)
	games.Targets = []string{clanTag, "#3QQ"}
	require.NoError(t, h.store.UpsertReminder(ctx, games))
	again := gamesReminder(2 * time.Hour)
	again.ID = "r-games-2"
	require.NoError(t, h.store.UpsertReminder(ctx, again))
	disabled := gamesReminder(time.Hour)
	disabled.ID = "r-games-off"
	disabled.Targets = []string{"#9ZZ"}
	disabled.Disabled = true
	require.NoError(t, h.store.UpsertReminder(ctx, disabled))
	require.NoError(t, h.store.UpsertReminder(ctx, warReminder(time.Hour)))
	return h, seeder
}

func TestSyncBaselinesSeedsEachClanOnce(t *testing.T) {
	h, seeder := newSeederHarness(t, Config{})
	require.NoError(t, h.sched.SyncBaselines(context.Background()))
	assert.ElementsMatch(t, []string{clanTag, "#3QQ"}, seeder.calls())
}

func TestSyncBaselinesKeepsGoingAfterErrors(t *testing.T) {
	h, seeder := newSeederHarness(t, Config{})
	seeder.err = errors.Wrap(errs.ErrUnavailable, "maintenance")
	require.NoError(t, h.sched.SyncBaselines(context.Background()))
	assert.Len(t, seeder.calls(), 2)
}

func TestSyncBaselinesWithoutSeeder(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.store.UpsertReminder(context.Background(), gamesReminder(time.Hour)))
	assert.NoError(t, h.sched.SyncBaselines(context.Background()))
}

func TestScheduleGamesReminderSeedsBaselines(t *testing.T) {
	seeder := &fakeSeeder{}
	h := newHarnessWith(t, Config{}, func(_ *harness, d *Deps) {
		d.Baselines = seeder
	})
	require.NoError(t, h.sched.ScheduleReminder(context.Background(), gamesReminder(time.Hour)))
	assert.Equal(t, []string{clanTag}, seeder.calls())

	require.NoError(t, h.sched.ScheduleReminder(context.Background(), raidReminder(time.Hour)))
	assert.Equal(t, []string{clanTag}, seeder.calls())
}

func TestRunBaselineSyncRepeats(t *testing.T) {
	h, seeder := newSeederHarness(t, Config{BaselineSync: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- h.sched.RunBaselineSync(ctx) }()

	assert.Eventually(t, func() bool { return len(seeder.calls()) >= 4 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

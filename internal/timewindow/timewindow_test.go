package timewindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meriley/clash-spy/internal/snapshot"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestResolveRaidWeekend(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		wantKey   string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "midweek resolves to upcoming weekend",
			now:       utc(2026, 10, 20, 10, 0),
			wantKey:   "2026-10-23",
			wantStart: utc(2026, 10, 19, 7, 0),
			wantEnd:   utc(2026, 10, 26, 7, 0),
		},
		{
			name:      "just before friday start",
			now:       utc(2026, 10, 23, 6, 59),
			wantKey:   "2026-10-23",
			wantStart: utc(2026, 10, 19, 7, 0),
			wantEnd:   utc(2026, 10, 26, 7, 0),
		},
		{
			name:      "during weekend",
			now:       utc(2026, 10, 24, 18, 0),
			wantKey:   "2026-10-23",
			wantStart: utc(2026, 10, 19, 7, 0),
			wantEnd:   utc(2026, 10, 26, 7, 0),
		},
		{
			name:      "one minute before end",
			now:       utc(2026, 10, 26, 6, 59),
			wantKey:   "2026-10-23",
			wantStart: utc(2026, 10, 19, 7, 0),
			wantEnd:   utc(2026, 10, 26, 7, 0),
		},
		{
			name:      "exact end resolves to next occurrence",
			now:       utc(2026, 10, 26, 7, 0),
			wantKey:   "2026-10-30",
			wantStart: utc(2026, 10, 26, 7, 0),
			wantEnd:   utc(2026, 11, 2, 7, 0),
		},
		{
			name:      "non utc input",
			now:       time.Date(2026, 10, 24, 2, 0, 0, 0, time.FixedZone("PDT", -7*3600)),
			wantKey:   "2026-10-23",
			wantStart: utc(2026, 10, 19, 7, 0),
			wantEnd:   utc(2026, 10, 26, 7, 0),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Resolve(snapshot.RaidWeekend, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, w.Key)
			assert.Equal(t, tt.wantStart, w.Start)
			assert.Equal(t, tt.wantEnd, w.End)
			assert.Equal(t, tt.wantEnd.Add(-72*time.Hour), w.EventStart)
		})
	}
}

func TestResolveClanGames(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		wantKey string
		wantEnd time.Time
	}{
		{name: "before event", now: utc(2026, 10, 3, 0, 0), wantKey: "2026-10", wantEnd: utc(2026, 10, 28, 8, 0)},
		{name: "during event", now: utc(2026, 10, 25, 0, 0), wantKey: "2026-10", wantEnd: utc(2026, 10, 28, 8, 0)},
		{name: "just before end", now: utc(2026, 10, 28, 7, 59), wantKey: "2026-10", wantEnd: utc(2026, 10, 28, 8, 0)},
		{name: "exact end", now: utc(2026, 10, 28, 8, 0), wantKey: "2026-11", wantEnd: utc(2026, 11, 28, 8, 0)},
		{name: "year rollover", now: utc(2026, 12, 30, 0, 0), wantKey: "2027-01", wantEnd: utc(2027, 1, 28, 8, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Resolve(snapshot.PointsChallenge, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, w.Key)
			assert.Equal(t, tt.wantEnd, w.End)
			assert.Equal(t, time.Date(tt.wantEnd.Year(), tt.wantEnd.Month(), 22, 8, 0, 0, 0, time.UTC), w.EventStart)
		})
	}
}

// Every minute of a synthetic two month calendar lies inside the window it
// resolves to, and windows tile without gaps.
func TestResolveContainsNow(t *testing.T) {
	for _, eventType := range []snapshot.EventType{snapshot.RaidWeekend, snapshot.PointsChallenge} {
		from := utc(2026, 11, 1, 0, 0)
		to := utc(2027, 1, 1, 0, 0)
		var prev Window
		for now := from; now.Before(to); now = now.Add(17 * time.Minute) {
			w, err := Resolve(eventType, now)
			require.NoError(t, err)
			if now.Before(w.Start) || !now.Before(w.End) {
				t.Fatalf("%s: %s outside [%s, %s)", eventType, now, w.Start, w.End)
			}
			if prev.Key != "" && prev.Key != w.Key && !w.Start.Equal(prev.End) {
				t.Fatalf("%s: gap between %s and %s", eventType, prev.End, w.Start)
			}
			prev = w
		}
	}
}

func TestNext(t *testing.T) {
	w, err := Resolve(snapshot.RaidWeekend, utc(2026, 10, 24, 0, 0))
	require.NoError(t, err)
	next, err := Next(snapshot.RaidWeekend, w)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-30", next.Key)
	assert.Equal(t, w.End, next.Start)
}

func TestClanWarsNeedSnapshot(t *testing.T) {
	_, err := Resolve(snapshot.ClanWars, utc(2026, 10, 24, 0, 0))
	assert.ErrorIs(t, err, ErrNotCalendarBound)

	w := ForWar(&snapshot.EventSnapshot{
		EntityTag: "#2PP",
		UID:       "#8QU8J9LP",
		StartTime: utc(2026, 10, 24, 0, 0),
		EndTime:   utc(2026, 10, 25, 0, 0),
	})
	assert.Equal(t, "#2PP:#8QU8J9LP", w.Key)
	assert.True(t, w.Active(utc(2026, 10, 24, 12, 0)))
	assert.False(t, w.Active(utc(2026, 10, 25, 0, 0)))
}

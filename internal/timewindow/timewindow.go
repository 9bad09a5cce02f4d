// Package timewindow maps recurring events to their occurrence boundaries.
//
// Every function here is pure and computes in UTC: the game runs the same
// schedule for every player worldwide.
package timewindow

import (
	"time"

	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/snapshot"
)

// ErrNotCalendarBound is returned for events whose end is only known from a
// snapshot (clan wars).
var ErrNotCalendarBound = errors.New("event is not calendar bound")

const (
	raidStartHour  = 7
	raidLength     = 72 * time.Hour
	gamesStartDay  = 22
	gamesEndDay    = 28
	gamesStartHour = 8
)

// Window is one occurrence. Start <= now < End always holds for the window
// Resolve returns; End is the instant the event ends and the next occurrence
// begins. EventStart is when the event itself opens inside the cycle.
type Window struct {
	Key        string
	Start      time.Time
	End        time.Time
	EventStart time.Time
}

// Active reports whether the event itself is running at t.
func (w Window) Active(t time.Time) bool {
	return !t.Before(w.EventStart) && t.Before(w.End)
}

// Resolve returns the occurrence current at now.
func Resolve(eventType snapshot.EventType, now time.Time) (Window, error) {
	now = now.UTC()
	switch eventType {
	case snapshot.RaidWeekend:
		return raidWeekend(now), nil
	case snapshot.PointsChallenge:
		return clanGames(now), nil
	case snapshot.ClanWars:
		return Window{}, ErrNotCalendarBound
	}
	return Window{}, errors.Errorf("unknown event type %q", eventType)
}

// Next returns the occurrence following w.
func Next(eventType snapshot.EventType, w Window) (Window, error) {
	return Resolve(eventType, w.End)
}

// ForWar builds the window of a war from its snapshot.
func ForWar(s *snapshot.EventSnapshot) Window {
	return Window{
		Key:        s.EntityTag + ":" + s.UID,
		Start:      s.StartTime.UTC(),
		End:        s.EndTime.UTC(),
		EventStart: s.StartTime.UTC(),
	}
}

// raidWeekend runs Friday 07:00 to Monday 07:00. The cycle belonging to a
// weekend starts when the previous weekend ends.
func raidWeekend(now time.Time) Window {
	// Days since the most recent Friday, Friday itself being zero.
	daysSinceFriday := (int(now.Weekday()) - int(time.Friday) + 7) % 7
	friday := time.Date(now.Year(), now.Month(), now.Day()-daysSinceFriday, raidStartHour, 0, 0, 0, time.UTC)
	if friday.After(now) {
		friday = friday.AddDate(0, 0, -7)
	}
	end := friday.Add(raidLength)
	if !now.Before(end) {
		friday = friday.AddDate(0, 0, 7)
		end = friday.Add(raidLength)
	}
	return Window{
		Key:        friday.Format("2006-01-02"),
		Start:      end.AddDate(0, 0, -7),
		End:        end,
		EventStart: friday,
	}
}

// clanGames runs from the 22nd 08:00 to the 28th 08:00 of every month.
func clanGames(now time.Time) Window {
	end := time.Date(now.Year(), now.Month(), gamesEndDay, gamesStartHour, 0, 0, 0, time.UTC)
	if !now.Before(end) {
		end = time.Date(now.Year(), now.Month()+1, gamesEndDay, gamesStartHour, 0, 0, 0, time.UTC)
	}
	return Window{
		Key:        end.Format("2006-01"),
		Start:      end.AddDate(0, -1, 0),
		End:        end,
		EventStart: time.Date(end.Year(), end.Month(), gamesStartDay, gamesStartHour, 0, 0, 0, time.UTC),
	}
}

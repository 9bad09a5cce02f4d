// Package eligibility selects which clan members a reminder is about.
package eligibility

import (
	"context"
	"sort"

	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
)

type (
	RosterMember struct {
		Tag      string
		Name     string
		Role     reminder.Role
		TownHall int
		UserID   string
	}

	// Roster is the clan member list at the time of firing, joined with
	// linked Discord accounts.
	Roster []RosterMember

	// Identity is one recipient. UserID is empty when the player has no
	// linked account and therefore cannot be mentioned.
	Identity struct {
		Tag         string
		Name        string
		UserID      string
		TownHall    int
		MapPosition int
		Taken       int
		Expected    int
		Points      int
	}

	Result struct {
		Recipients  []Identity
		Mentionable bool
	}
)

// LinkStore resolves player tags to linked Discord user ids.
type LinkStore interface {
	LinkedUsers(ctx context.Context, playerTags []string) (map[string]string, error)
}

func (r Roster) byTag() map[string]RosterMember {
	m := make(map[string]RosterMember, len(r))
	for _, member := range r {
		m[member.Tag] = member
	}
	return m
}

// Filter returns the members of snap matching c. It performs no I/O.
func Filter(roster Roster, snap *snapshot.EventSnapshot, c reminder.Criteria) Result {
	var recipients []Identity
	switch v := c.(type) {
	case reminder.ClanWarCriteria:
		recipients = clanWar(roster, snap, v)
	case reminder.PointsChallengeCriteria:
		recipients = pointsChallenge(roster, snap, v)
	case reminder.RaidWeekendCriteria:
		recipients = raidWeekend(roster, snap, v)
	default:
		return Result{}
	}

	sort.SliceStable(recipients, func(i, j int) bool {
		if recipients[i].MapPosition != recipients[j].MapPosition {
			return recipients[i].MapPosition < recipients[j].MapPosition
		}
		return recipients[i].Tag < recipients[j].Tag
	})

	mentionable := false
	if !c.IsSilent() {
		for _, r := range recipients {
			if r.UserID != "" {
				mentionable = true
				break
			}
		}
	}
	return Result{Recipients: recipients, Mentionable: mentionable}
}

func clanWar(roster Roster, snap *snapshot.EventSnapshot, c reminder.ClanWarCriteria) []Identity {
	if len(c.WarTypes) > 0 && !containsWarType(c.WarTypes, snap.WarType) {
		return nil
	}
	if c.SmartSkip && snap.TargetsCleared() {
		return nil
	}
	members := roster.byTag()
	var out []Identity
	for _, m := range snap.Members {
		rm := members[m.Tag]
		if !matchCommon(c.Common, rm, m) {
			continue
		}
		if len(c.Remaining) > 0 && !containsInt(c.Remaining, snap.Remaining(m)) {
			continue
		}
		if c.SmartSkip && resolved(snap, m) {
			continue
		}
		out = append(out, identity(snap, rm, m))
	}
	return out
}

func pointsChallenge(roster Roster, snap *snapshot.EventSnapshot, c reminder.PointsChallengeCriteria) []Identity {
	members := roster.byTag()
	seen := make(map[string]struct{}, len(snap.Members))
	var out []Identity
	for _, m := range snap.Members {
		seen[m.Tag] = struct{}{}
		rm, inClan := members[m.Tag]
		if !inClan {
			// Left the clan since the event started.
			continue
		}
		if !matchCommon(c.Common, rm, m) {
			continue
		}
		if c.MinPoints > 0 && m.Points >= c.MinPoints {
			continue
		}
		out = append(out, identity(snap, rm, m))
	}
	if c.AllMembers {
		out = append(out, absent(roster, seen, snap, c.Common)...)
	}
	return out
}

func raidWeekend(roster Roster, snap *snapshot.EventSnapshot, c reminder.RaidWeekendCriteria) []Identity {
	members := roster.byTag()
	seen := make(map[string]struct{}, len(snap.Members))
	var out []Identity
	for _, m := range snap.Members {
		seen[m.Tag] = struct{}{}
		rm := members[m.Tag]
		if !matchCommon(c.Common, rm, m) {
			continue
		}
		if len(c.Remaining) > 0 && !containsInt(c.Remaining, snap.Remaining(m)) {
			continue
		}
		if c.SmartSkip && resolved(snap, m) {
			continue
		}
		out = append(out, identity(snap, rm, m))
	}
	if c.AllMembers {
		for _, id := range absent(roster, seen, snap, c.Common) {
			if len(c.Remaining) > 0 && !containsInt(c.Remaining, id.Expected) {
				continue
			}
			out = append(out, id)
		}
	}
	return out
}

// absent lists roster members missing from the snapshot as zero-progress
// participants.
func absent(roster Roster, seen map[string]struct{}, snap *snapshot.EventSnapshot, c reminder.Common) []Identity {
	var out []Identity
	for _, rm := range roster {
		if _, ok := seen[rm.Tag]; ok {
			continue
		}
		m := snapshot.Member{Tag: rm.Tag, Name: rm.Name, TownHall: rm.TownHall}
		if !matchCommon(c, rm, m) {
			continue
		}
		out = append(out, identity(snap, rm, m))
	}
	return out
}

// resolved reports whether the member cannot improve the outcome any further.
func resolved(snap *snapshot.EventSnapshot, m snapshot.Member) bool {
	if snap.MaxOutcome <= 0 || len(m.Actions) == 0 {
		return false
	}
	for _, a := range m.Actions {
		if a.Value < snap.MaxOutcome {
			return false
		}
	}
	return true
}

func matchCommon(c reminder.Common, rm RosterMember, m snapshot.Member) bool {
	if len(c.Roles) > 0 {
		found := false
		for _, role := range c.Roles {
			if role == rm.Role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	th := m.TownHall
	if th == 0 {
		th = rm.TownHall
	}
	if c.MinTownHall > 0 && th < c.MinTownHall {
		return false
	}
	if c.MaxTownHall > 0 && th > c.MaxTownHall {
		return false
	}
	return true
}

func identity(snap *snapshot.EventSnapshot, rm RosterMember, m snapshot.Member) Identity {
	name := m.Name
	if name == "" {
		name = rm.Name
	}
	th := m.TownHall
	if th == 0 {
		th = rm.TownHall
	}
	return Identity{
		Tag:         m.Tag,
		Name:        name,
		UserID:      rm.UserID,
		TownHall:    th,
		MapPosition: m.MapPosition,
		Taken:       len(m.Actions),
		Expected:    snap.MaxActionsFor(m),
		Points:      m.Points,
	}
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsWarType(values []snapshot.WarType, v snapshot.WarType) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

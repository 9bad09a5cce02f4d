package clashapi

import (
	"context"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/meriley/clash-spy/internal/eligibility"
	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
	"github.com/meriley/clash-spy/internal/timewindow"
)

// playerFetchers bounds concurrent player lookups; the limiter still paces
// the requests themselves.
const playerFetchers = 4

// FetchSnapshot reads the current occurrence of eventType for clanTag.
// snapshot.ErrNoOccurrence is returned when the clan takes no part in the
// event right now.
func (c *Client) FetchSnapshot(ctx context.Context, eventType snapshot.EventType, clanTag string) (*snapshot.EventSnapshot, error) {
	var (
		snap *snapshot.EventSnapshot
		err  error
	)
	switch eventType {
	case snapshot.ClanWars:
		snap, err = c.fetchWar(ctx, clanTag)
	case snapshot.RaidWeekend:
		snap, err = c.fetchRaid(ctx, clanTag)
	case snapshot.PointsChallenge:
		snap, err = c.fetchGames(ctx, clanTag)
	default:
		return nil, errors.Errorf("unknown event type %q", eventType)
	}
	if err != nil {
		return nil, err
	}
	snap.EventType = eventType
	snap.EntityTag = clanTag
	snap.FetchedAt = c.Clock.Now()
	return snap, nil
}

// FetchRoster lists the clan's members.
func (c *Client) FetchRoster(ctx context.Context, clanTag string) (eligibility.Roster, error) {
	var members clanMembers
	if err := c.getJSON(ctx, "/clans/"+escape(clanTag)+"/members", &members); err != nil {
		return nil, err
	}
	roster := make(eligibility.Roster, 0, len(members.Items))
	for _, m := range members.Items {
		roster = append(roster, eligibility.RosterMember{
			Tag:      m.Tag,
			Name:     m.Name,
			Role:     reminder.Role(m.Role),
			TownHall: m.TownHallLevel,
		})
	}
	return roster, nil
}

// fetchWar reads the regular war and falls back to the league war of the
// current round when the clan is in league.
func (c *Client) fetchWar(ctx context.Context, clanTag string) (*snapshot.EventSnapshot, error) {
	var w war
	if err := c.getJSON(ctx, "/clans/"+escape(clanTag)+"/currentwar", &w); err != nil {
		return nil, err
	}
	if w.State != "notInWar" && w.State != "" {
		snap, err := warSnapshot(w, snapshot.WarNormal)
		if err != nil {
			return nil, err
		}
		snap.UID = w.Clan.Tag + "-" + w.Opponent.Tag + "-" + w.PreparationStartTime
		if w.WarType == "friendly" {
			snap.WarType = snapshot.WarFriendly
		}
		return snap, nil
	}
	return c.fetchLeagueWar(ctx, clanTag)
}

func (c *Client) fetchLeagueWar(ctx context.Context, clanTag string) (*snapshot.EventSnapshot, error) {
	var group leagueGroup
	err := c.getJSON(ctx, "/clans/"+escape(clanTag)+"/currentwar/leaguegroup", &group)
	if err != nil {
		// Clans outside league answer 404 here.
		if errors.Is(err, errs.ErrEntityNotFound) {
			return nil, errors.Wrap(snapshot.ErrNoOccurrence, clanTag)
		}
		return nil, err
	}
	if group.State == "" || group.State == "notInWar" || group.State == "ended" {
		return nil, errors.Wrap(snapshot.ErrNoOccurrence, clanTag)
	}

	// Latest rounds first: the round in battle wins over preparation, and
	// the most recent ended war is the fallback.
	var fallback *snapshot.EventSnapshot
	for i := len(group.Rounds) - 1; i >= 0; i-- {
		for _, tag := range group.Rounds[i].WarTags {
			if tag == "" || tag == "#0" {
				continue
			}
			var w war
			if err := c.getJSON(ctx, "/clanwarleagues/wars/"+escape(tag), &w); err != nil {
				return nil, err
			}
			if w.Opponent.Tag == clanTag {
				w.Clan, w.Opponent = w.Opponent, w.Clan
			}
			if w.Clan.Tag != clanTag {
				continue
			}
			snap, err := warSnapshot(w, snapshot.WarCWL)
			if err != nil {
				return nil, err
			}
			snap.UID = tag
			switch snap.State {
			case snapshot.StateActive:
				return snap, nil
			case snapshot.StatePending, snapshot.StateEnded:
				if fallback == nil || (snap.State == snapshot.StateEnded && fallback.State == snapshot.StatePending) {
					fallback = snap
				}
			}
			break
		}
		if fallback != nil && fallback.State == snapshot.StateEnded {
			break
		}
	}
	if fallback == nil {
		return nil, errors.Wrap(snapshot.ErrNoOccurrence, clanTag)
	}
	return fallback, nil
}

func warSnapshot(w war, warType snapshot.WarType) (*snapshot.EventSnapshot, error) {
	start, err := parseTime(w.StartTime)
	if err != nil {
		return nil, err
	}
	end, err := parseTime(w.EndTime)
	if err != nil {
		return nil, err
	}
	perMember := w.AttacksPerMember
	if perMember == 0 {
		perMember = snapshot.WarAttacksPerMember
		if warType == snapshot.WarCWL {
			perMember = snapshot.CWLAttacksPerMember
		}
	}
	snap := &snapshot.EventSnapshot{
		EntityName:       w.Clan.Name,
		OpponentTag:      w.Opponent.Tag,
		OpponentName:     w.Opponent.Name,
		State:            warState(w.State),
		WarType:          warType,
		StartTime:        start,
		EndTime:          end,
		ActionsPerMember: perMember,
		MaxOutcome:       snapshot.WarMaxStars,
	}
	for _, m := range w.Clan.Members {
		member := snapshot.Member{
			Tag:         m.Tag,
			Name:        m.Name,
			TownHall:    m.TownhallLevel,
			MapPosition: m.MapPosition,
		}
		for _, a := range m.Attacks {
			member.Actions = append(member.Actions, snapshot.Action{
				ActorTag:    a.AttackerTag,
				TargetTag:   a.DefenderTag,
				Value:       a.Stars,
				Destruction: a.DestructionPercentage,
				Order:       a.Order,
			})
		}
		snap.Members = append(snap.Members, member)
	}
	for _, m := range w.Opponent.Members {
		snap.Opponents = append(snap.Opponents, snapshot.Member{
			Tag:         m.Tag,
			Name:        m.Name,
			TownHall:    m.TownhallLevel,
			MapPosition: m.MapPosition,
		})
	}
	return snap, nil
}

func warState(s string) snapshot.State {
	switch s {
	case "preparation":
		return snapshot.StatePending
	case "inWar":
		return snapshot.StateActive
	}
	return snapshot.StateEnded
}

func (c *Client) fetchRaid(ctx context.Context, clanTag string) (*snapshot.EventSnapshot, error) {
	var seasons raidSeasons
	if err := c.getJSON(ctx, "/clans/"+escape(clanTag)+"/capitalraidseasons?limit=1", &seasons); err != nil {
		return nil, err
	}
	if len(seasons.Items) == 0 {
		return nil, errors.Wrap(snapshot.ErrNoOccurrence, clanTag)
	}
	season := seasons.Items[0]
	start, err := parseTime(season.StartTime)
	if err != nil {
		return nil, err
	}
	end, err := parseTime(season.EndTime)
	if err != nil {
		return nil, err
	}
	state := snapshot.StateActive
	if season.State == "ended" {
		state = snapshot.StateEnded
	}
	snap := &snapshot.EventSnapshot{
		UID:              season.StartTime,
		State:            state,
		StartTime:        start,
		EndTime:          end,
		ActionsPerMember: snapshot.RaidAttacksPerMember,
	}
	for _, m := range season.Members {
		member := snapshot.Member{
			Tag:        m.Tag,
			Name:       m.Name,
			MaxActions: m.AttackLimit + m.BonusAttackLimit,
		}
		// The API only reports totals: spread the loot over the attacks and
		// number them per member.
		for i := 0; i < m.Attacks; i++ {
			member.Actions = append(member.Actions, snapshot.Action{
				ActorTag: m.Tag,
				Value:    m.CapitalResourcesLooted / m.Attacks,
				Order:    i + 1,
			})
		}
		snap.Members = append(snap.Members, member)
	}
	return snap, nil
}

// gamesEndedGrace is how long after clan games end their final points are
// still reported instead of the next season's.
const gamesEndedGrace = 24 * time.Hour

// fetchGames derives clan games points from each member's Games Champion
// achievement minus the total first seen this season.
func (c *Client) fetchGames(ctx context.Context, clanTag string) (*snapshot.EventSnapshot, error) {
	now := c.Clock.Now()
	w, err := gamesWindow(now)
	if err != nil {
		return nil, err
	}
	players, totals, err := c.gamesTotals(ctx, clanTag)
	if err != nil {
		return nil, err
	}
	baselines, err := c.Baselines.SeedBaselines(ctx, baselineKey(clanTag, w), totals)
	if err != nil {
		return nil, errors.Wrap(err, "seed baselines")
	}

	state := snapshot.StatePending
	switch {
	case w.Active(now):
		state = snapshot.StateActive
	case !now.Before(w.End):
		state = snapshot.StateEnded
	}
	snap := &snapshot.EventSnapshot{
		UID:        w.Key,
		State:      state,
		StartTime:  w.EventStart,
		EndTime:    w.End,
		MaxOutcome: snapshot.GamesMaxPoints,
	}
	for _, p := range players {
		points := totals[p.Tag] - baselines[p.Tag]
		if points > snapshot.GamesMaxPoints {
			points = snapshot.GamesMaxPoints
		}
		if points <= 0 {
			continue
		}
		snap.Members = append(snap.Members, snapshot.Member{
			Tag:      p.Tag,
			Name:     p.Name,
			TownHall: p.TownHallLevel,
			Points:   points,
		})
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].Points > snap.Members[j].Points })
	_ = level.Debug(c.Logger).Log("msg", "clan games points", "clan", clanTag, "season", w.Key, "state", state, "scored", len(snap.Members))
	return snap, nil
}

// SeedGamesBaselines records the Games Champion totals of every member for
// the season current at now. Totals already recorded are kept, so seeding
// before the games start pins the true starting point.
func (c *Client) SeedGamesBaselines(ctx context.Context, clanTag string) error {
	w, err := timewindow.Resolve(snapshot.PointsChallenge, c.Clock.Now())
	if err != nil {
		return err
	}
	_, totals, err := c.gamesTotals(ctx, clanTag)
	if err != nil {
		return err
	}
	if _, err := c.Baselines.SeedBaselines(ctx, baselineKey(clanTag, w), totals); err != nil {
		return errors.Wrap(err, "seed baselines")
	}
	_ = level.Debug(c.Logger).Log("msg", "clan games baselines seeded", "clan", clanTag, "season", w.Key, "players", len(totals))
	return nil
}

// gamesWindow is the season reported at now: the one that ended less than
// gamesEndedGrace ago, otherwise the current one.
func gamesWindow(now time.Time) (timewindow.Window, error) {
	recent, err := timewindow.Resolve(snapshot.PointsChallenge, now.Add(-gamesEndedGrace))
	if err != nil {
		return timewindow.Window{}, err
	}
	if !now.Before(recent.End) && now.Before(recent.End.Add(gamesEndedGrace)) {
		return recent, nil
	}
	return timewindow.Resolve(snapshot.PointsChallenge, now)
}

// gamesTotals reads every member's player profile and their Games Champion
// achievement total.
func (c *Client) gamesTotals(ctx context.Context, clanTag string) ([]player, map[string]int, error) {
	var members clanMembers
	if err := c.getJSON(ctx, "/clans/"+escape(clanTag)+"/members", &members); err != nil {
		return nil, nil, err
	}

	players := make([]player, len(members.Items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(playerFetchers)
	for i, m := range members.Items {
		tag := m.Tag
		g.Go(func() error {
			return c.getJSON(gctx, "/players/"+escape(tag), &players[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	totals := make(map[string]int, len(players))
	for _, p := range players {
		if v, ok := p.achievement(gamesChampion); ok {
			totals[p.Tag] = v
		}
	}
	return players, totals, nil
}

func baselineKey(clanTag string, w timewindow.Window) string {
	return clanTag + "/" + w.Key
}

package snapshot

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EventType identifies a recurring in-game event.
type EventType string

const (
	ClanWars        EventType = "clan-wars"
	PointsChallenge EventType = "points-challenge"
	RaidWeekend     EventType = "raid-weekend"
)

func (t EventType) Valid() bool {
	switch t {
	case ClanWars, PointsChallenge, RaidWeekend:
		return true
	}
	return false
}

// State is the lifecycle of one occurrence as reported by the game API.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateEnded   State = "ended"
)

// WarType is the clan war subtype.
type WarType string

const (
	WarNormal   WarType = "normal"
	WarFriendly WarType = "friendly"
	WarCWL      WarType = "cwl"
)

// Event budgets used when the API does not say otherwise.
const (
	WarAttacksPerMember  = 2
	CWLAttacksPerMember  = 1
	WarMaxStars          = 3
	RaidAttacksPerMember = 5
	RaidBonusAttacks     = 1
	GamesMaxPoints       = 4000
)

var (
	ErrNoSnapshot = errors.New("no snapshot recorded")
	// ErrNoOccurrence means the clan is not taking part in the event right
	// now, e.g. it is not in a war.
	ErrNoOccurrence = errors.New("no occurrence in progress")
)

// Store persists the last processed snapshot per entity key.
type Store interface {
	LastSnapshot(ctx context.Context, entityKey string) (*EventSnapshot, error)
	// SaveSnapshot stores snap unless a snapshot fetched later is already
	// recorded. It reports whether the write happened.
	SaveSnapshot(ctx context.Context, entityKey string, snap *EventSnapshot) (bool, error)
}

type (
	// Action is one attack (or contribution) taken by ActorTag against
	// TargetTag. Order is the API's global attack order within the occurrence.
	Action struct {
		ActorTag    string  `json:"actorTag" bson:"actorTag"`
		TargetTag   string  `json:"targetTag,omitempty" bson:"targetTag,omitempty"`
		Value       int     `json:"value" bson:"value"`
		Destruction float64 `json:"destruction,omitempty" bson:"destruction,omitempty"`
		Order       int     `json:"order" bson:"order"`
	}

	Member struct {
		Tag         string   `json:"tag" bson:"tag"`
		Name        string   `json:"name" bson:"name"`
		TownHall    int      `json:"townHall,omitempty" bson:"townHall,omitempty"`
		MapPosition int      `json:"mapPosition,omitempty" bson:"mapPosition,omitempty"`
		MaxActions  int      `json:"maxActions,omitempty" bson:"maxActions,omitempty"`
		Points      int      `json:"points,omitempty" bson:"points,omitempty"`
		Actions     []Action `json:"actions,omitempty" bson:"actions,omitempty"`
	}

	// EventSnapshot is an immutable point-in-time read of one clan's event.
	// UID identifies the occurrence: a war tag, a raid season start or a
	// clan games month.
	EventSnapshot struct {
		EventType        EventType `json:"eventType" bson:"eventType"`
		EntityTag        string    `json:"entityTag" bson:"entityTag"`
		EntityName       string    `json:"entityName,omitempty" bson:"entityName,omitempty"`
		OpponentTag      string    `json:"opponentTag,omitempty" bson:"opponentTag,omitempty"`
		OpponentName     string    `json:"opponentName,omitempty" bson:"opponentName,omitempty"`
		UID              string    `json:"uid" bson:"uid"`
		State            State     `json:"state" bson:"state"`
		WarType          WarType   `json:"warType,omitempty" bson:"warType,omitempty"`
		StartTime        time.Time `json:"startTime" bson:"startTime"`
		EndTime          time.Time `json:"endTime" bson:"endTime"`
		FetchedAt        time.Time `json:"fetchedAt" bson:"fetchedAt"`
		ActionsPerMember int       `json:"actionsPerMember" bson:"actionsPerMember"`
		MaxOutcome       int       `json:"maxOutcome,omitempty" bson:"maxOutcome,omitempty"`
		Members          []Member  `json:"members" bson:"members"`
		Opponents        []Member  `json:"opponents,omitempty" bson:"opponents,omitempty"`
	}
)

// NormalizeTag upper-cases a player or clan tag and adds the leading '#'.
// The letter O is a common typo for 0 and is not part of the tag alphabet.
func NormalizeTag(tag string) string {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	tag = strings.TrimLeft(tag, "#")
	tag = strings.ReplaceAll(tag, "O", "0")
	if tag == "" {
		return ""
	}
	return "#" + tag
}

// ValidTag reports whether tag uses the game's tag alphabet.
func ValidTag(tag string) bool {
	tag = strings.TrimPrefix(tag, "#")
	if len(tag) < 3 || len(tag) > 12 {
		return false
	}
	return strings.Trim(tag, "0289PYLQGRJCUV") == ""
}

// EntityKey names the snapshot stream of one clan for one event type.
func EntityKey(eventType EventType, tag string) string {
	return string(eventType) + "/" + tag
}

// MaxActionsFor returns the member specific action budget.
func (s *EventSnapshot) MaxActionsFor(m Member) int {
	if m.MaxActions > 0 {
		return m.MaxActions
	}
	return s.ActionsPerMember
}

// Remaining is the member's action budget minus actions already taken.
func (s *EventSnapshot) Remaining(m Member) int {
	r := s.MaxActionsFor(m) - len(m.Actions)
	if r < 0 {
		return 0
	}
	return r
}

// Member looks a member up by tag.
func (s *EventSnapshot) Member(tag string) (Member, bool) {
	for _, m := range s.Members {
		if m.Tag == tag {
			return m, true
		}
	}
	return Member{}, false
}

// Actions returns every action in the snapshot sorted by order.
func (s *EventSnapshot) Actions() []Action {
	var actions []Action
	for _, m := range s.Members {
		actions = append(actions, m.Actions...)
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Order < actions[j].Order
	})
	return actions
}

// TargetsCleared reports whether every opponent has already been hit for the
// maximum outcome, leaving nothing for remaining attackers to gain.
func (s *EventSnapshot) TargetsCleared() bool {
	if len(s.Opponents) == 0 || s.MaxOutcome <= 0 {
		return false
	}
	best := make(map[string]int, len(s.Opponents))
	for _, a := range s.Actions() {
		if a.Value > best[a.TargetTag] {
			best[a.TargetTag] = a.Value
		}
	}
	for _, o := range s.Opponents {
		if best[o.Tag] < s.MaxOutcome {
			return false
		}
	}
	return true
}

// Revision orders snapshots of the same occurrence.
func (s *EventSnapshot) Revision() int64 {
	return s.FetchedAt.UnixNano()
}

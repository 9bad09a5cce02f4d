package reminder

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/snapshot"
)

// Role is a clan role as reported by the game API.
type Role string

const (
	RoleMember   Role = "member"
	RoleElder    Role = "admin"
	RoleCoLeader Role = "coLeader"
	RoleLeader   Role = "leader"
)

// Criteria is one of ClanWarCriteria, PointsChallengeCriteria or
// RaidWeekendCriteria.
type Criteria interface {
	EventType() snapshot.EventType
	IsSilent() bool
	criteria()
}

// Common predicates shared by every variant. A zero value matches everyone.
type Common struct {
	Roles       []Role `json:"roles,omitempty" bson:"roles,omitempty"`
	MinTownHall int    `json:"minTownHall,omitempty" bson:"minTownHall,omitempty"`
	MaxTownHall int    `json:"maxTownHall,omitempty" bson:"maxTownHall,omitempty"`
	Silent      bool   `json:"silent,omitempty" bson:"silent,omitempty"`
}

func (c Common) IsSilent() bool { return c.Silent }

type ClanWarCriteria struct {
	Common    `bson:",inline"`
	Remaining []int              `json:"remaining,omitempty" bson:"remaining,omitempty"`
	WarTypes  []snapshot.WarType `json:"warTypes,omitempty" bson:"warTypes,omitempty"`
	SmartSkip bool               `json:"smartSkip,omitempty" bson:"smartSkip,omitempty"`
}

func (ClanWarCriteria) EventType() snapshot.EventType { return snapshot.ClanWars }
func (ClanWarCriteria) criteria()                     {}

type PointsChallengeCriteria struct {
	Common `bson:",inline"`
	// MinPoints selects members below this many points. Zero selects
	// everyone.
	MinPoints  int  `json:"minPoints,omitempty" bson:"minPoints,omitempty"`
	AllMembers bool `json:"allMembers,omitempty" bson:"allMembers,omitempty"`
}

func (PointsChallengeCriteria) EventType() snapshot.EventType { return snapshot.PointsChallenge }
func (PointsChallengeCriteria) criteria()                     {}

type RaidWeekendCriteria struct {
	Common     `bson:",inline"`
	Remaining  []int `json:"remaining,omitempty" bson:"remaining,omitempty"`
	AllMembers bool  `json:"allMembers,omitempty" bson:"allMembers,omitempty"`
	SmartSkip  bool  `json:"smartSkip,omitempty" bson:"smartSkip,omitempty"`
}

func (RaidWeekendCriteria) EventType() snapshot.EventType { return snapshot.RaidWeekend }
func (RaidWeekendCriteria) criteria()                     {}

// DefaultCriteria returns the match-everyone criteria for an event type.
func DefaultCriteria(t snapshot.EventType) Criteria {
	switch t {
	case snapshot.ClanWars:
		return ClanWarCriteria{}
	case snapshot.PointsChallenge:
		return PointsChallengeCriteria{}
	case snapshot.RaidWeekend:
		return RaidWeekendCriteria{}
	}
	return nil
}

// EncodeCriteria serializes the variant payload. The event type stored next
// to it on the reminder acts as the tag.
func EncodeCriteria(c Criteria) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil criteria")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode criteria")
	}
	return b, nil
}

// DecodeCriteria restores the variant selected by t.
func DecodeCriteria(t snapshot.EventType, raw []byte) (Criteria, error) {
	if len(raw) == 0 {
		if c := DefaultCriteria(t); c != nil {
			return c, nil
		}
		return nil, errors.Errorf("unknown event type %q", t)
	}
	switch t {
	case snapshot.ClanWars:
		var c ClanWarCriteria
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "failed to decode clan war criteria")
		}
		return c, nil
	case snapshot.PointsChallenge:
		var c PointsChallengeCriteria
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "failed to decode points challenge criteria")
		}
		return c, nil
	case snapshot.RaidWeekend:
		var c RaidWeekendCriteria
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "failed to decode raid weekend criteria")
		}
		return c, nil
	}
	return nil, errors.Errorf("unknown event type %q", t)
}

package reminder

import (
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/snapshot"
)

var ErrNotFound = errors.New("reminder not found")

// Reminder is a saved notification rule.
type Reminder struct {
	ID             string
	GuildID        string
	EventType      snapshot.EventType
	Offset         time.Duration
	Targets        []string
	Criteria       Criteria
	Message        string
	Disabled       bool
	FailureCount   int
	ChannelID      string
	DeliveryTarget string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// maxOffset bounds how early before the end a reminder may fire.
var maxOffset = map[snapshot.EventType]time.Duration{
	snapshot.ClanWars:        48 * time.Hour,
	snapshot.PointsChallenge: 6 * 24 * time.Hour,
	snapshot.RaidWeekend:     3 * 24 * time.Hour,
}

const maxMessageLength = 1800

// New fills identity and timestamps, normalizes targets and validates.
func New(r Reminder, now time.Time) (*Reminder, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Criteria == nil {
		r.Criteria = DefaultCriteria(r.EventType)
	}
	if r.DeliveryTarget == "" {
		r.DeliveryTarget = r.ChannelID
	}
	r.Targets = NormalizeTargets(r.Targets)
	r.CreatedAt = now.UTC()
	r.UpdatedAt = now.UTC()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// NormalizeTargets normalizes, de-duplicates and sorts clan tags.
func NormalizeTargets(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = snapshot.NormalizeTag(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks the reminder and returns an *errs.ConfigurationError.
func (r *Reminder) Validate() error {
	if !r.EventType.Valid() {
		return errs.Configuration("eventType", "unknown event type %q", r.EventType)
	}
	if strings.TrimSpace(r.GuildID) == "" {
		return errs.Configuration("guildId", "required")
	}
	if strings.TrimSpace(r.DeliveryTarget) == "" {
		return errs.Configuration("deliveryTarget", "required")
	}
	if len(r.Targets) == 0 {
		return errs.Configuration("targets", "at least one clan is required")
	}
	for _, t := range r.Targets {
		if !snapshot.ValidTag(t) {
			return errs.Configuration("targets", "%q is not a valid clan tag", t)
		}
	}
	if r.Offset < 0 {
		return errs.Configuration("offset", "must not be negative")
	}
	if r.Offset > maxOffset[r.EventType] {
		return errs.Configuration("offset", "must be at most %s for %s", maxOffset[r.EventType], r.EventType)
	}
	if len(r.Message) > maxMessageLength {
		return errs.Configuration("message", "must be at most %d characters", maxMessageLength)
	}
	if _, err := template.New("reminder").Parse(r.Message); err != nil {
		return errs.Configuration("message", "invalid template: %v", err)
	}
	return validateCriteria(r.EventType, r.Criteria)
}

func validateCriteria(t snapshot.EventType, c Criteria) error {
	if c == nil {
		return errs.Configuration("criteria", "required")
	}
	if c.EventType() != t {
		return errs.Configuration("criteria", "%s criteria on a %s reminder", c.EventType(), t)
	}
	switch v := c.(type) {
	case ClanWarCriteria:
		if err := validateCommon(v.Common); err != nil {
			return err
		}
		for _, wt := range v.WarTypes {
			switch wt {
			case snapshot.WarNormal, snapshot.WarFriendly, snapshot.WarCWL:
			default:
				return errs.Configuration("warTypes", "unknown war type %q", wt)
			}
		}
		return validateRemaining(v.Remaining, snapshot.WarAttacksPerMember)
	case PointsChallengeCriteria:
		if err := validateCommon(v.Common); err != nil {
			return err
		}
		if v.MinPoints < 0 || v.MinPoints > snapshot.GamesMaxPoints {
			return errs.Configuration("minPoints", "must be between 0 and %d", snapshot.GamesMaxPoints)
		}
		return nil
	case RaidWeekendCriteria:
		if err := validateCommon(v.Common); err != nil {
			return err
		}
		return validateRemaining(v.Remaining, snapshot.RaidAttacksPerMember+snapshot.RaidBonusAttacks)
	}
	return errs.Configuration("criteria", "unsupported criteria %T", c)
}

func validateCommon(c Common) error {
	for _, role := range c.Roles {
		switch role {
		case RoleMember, RoleElder, RoleCoLeader, RoleLeader:
		default:
			return errs.Configuration("roles", "unknown role %q", role)
		}
	}
	if c.MinTownHall < 0 || c.MaxTownHall < 0 {
		return errs.Configuration("townHall", "must not be negative")
	}
	if c.MaxTownHall > 0 && c.MinTownHall > c.MaxTownHall {
		return errs.Configuration("townHall", "minimum %d is above maximum %d", c.MinTownHall, c.MaxTownHall)
	}
	return nil
}

func validateRemaining(remaining []int, budget int) error {
	for _, n := range remaining {
		if n < 1 || n > budget {
			return errs.Configuration("remaining", "%d is outside 1..%d", n, budget)
		}
	}
	return nil
}

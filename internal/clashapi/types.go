package clashapi

import (
	"time"

	"github.com/pkg/errors"
)

// timeLayout is the API's timestamp format, e.g. 20261023T120000.000Z.
const timeLayout = "20060102T150405.000Z"

const gamesChampion = "Games Champion"

type (
	apiError struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}

	warAttack struct {
		AttackerTag           string  `json:"attackerTag"`
		DefenderTag           string  `json:"defenderTag"`
		Stars                 int     `json:"stars"`
		DestructionPercentage float64 `json:"destructionPercentage"`
		Order                 int     `json:"order"`
	}

	warMember struct {
		Tag           string      `json:"tag"`
		Name          string      `json:"name"`
		TownhallLevel int         `json:"townhallLevel"`
		MapPosition   int         `json:"mapPosition"`
		Attacks       []warAttack `json:"attacks"`
	}

	warClan struct {
		Tag     string      `json:"tag"`
		Name    string      `json:"name"`
		Members []warMember `json:"members"`
	}

	war struct {
		State                string  `json:"state"`
		WarType              string  `json:"warType"`
		TeamSize             int     `json:"teamSize"`
		AttacksPerMember     int     `json:"attacksPerMember"`
		PreparationStartTime string  `json:"preparationStartTime"`
		StartTime            string  `json:"startTime"`
		EndTime              string  `json:"endTime"`
		Clan                 warClan `json:"clan"`
		Opponent             warClan `json:"opponent"`
	}

	leagueRound struct {
		WarTags []string `json:"warTags"`
	}

	leagueGroup struct {
		State  string        `json:"state"`
		Season string        `json:"season"`
		Rounds []leagueRound `json:"rounds"`
	}

	raidMember struct {
		Tag                    string `json:"tag"`
		Name                   string `json:"name"`
		Attacks                int    `json:"attacks"`
		AttackLimit            int    `json:"attackLimit"`
		BonusAttackLimit       int    `json:"bonusAttackLimit"`
		CapitalResourcesLooted int    `json:"capitalResourcesLooted"`
	}

	raidSeason struct {
		State     string       `json:"state"`
		StartTime string       `json:"startTime"`
		EndTime   string       `json:"endTime"`
		Members   []raidMember `json:"members"`
	}

	raidSeasons struct {
		Items []raidSeason `json:"items"`
	}

	clanMember struct {
		Tag           string `json:"tag"`
		Name          string `json:"name"`
		Role          string `json:"role"`
		TownHallLevel int    `json:"townHallLevel"`
	}

	clanMembers struct {
		Items []clanMember `json:"items"`
	}

	achievement struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	player struct {
		Tag           string        `json:"tag"`
		Name          string        `json:"name"`
		TownHallLevel int           `json:"townHallLevel"`
		Achievements  []achievement `json:"achievements"`
	}
)

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", s)
	}
	return t.UTC(), nil
}

func (p player) achievement(name string) (int, bool) {
	for _, a := range p.Achievements {
		if a.Name == name {
			return a.Value, true
		}
	}
	return 0, false
}

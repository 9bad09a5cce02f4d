package discord

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/eligibility"
	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/ledger"
	"github.com/meriley/clash-spy/internal/scheduler"
	"github.com/meriley/clash-spy/internal/snapshot"
)

// Discord limits.
const (
	maxContent     = 2000
	maxDescription = 4096
	maxFieldValue  = 1024
)

const (
	colorReminder = 0x3498db
	colorEnding   = 0xe67e22
	colorMissed   = 0xe74c3c
)

var eventTitles = map[snapshot.EventType]string{
	snapshot.ClanWars:        "Clan war",
	snapshot.PointsChallenge: "Clan games",
	snapshot.RaidWeekend:     "Raid weekend",
}

// TemplateData is what a reminder message template sees.
type TemplateData struct {
	Clan       string
	ClanTag    string
	Opponent   string
	Event      string
	End        time.Time
	Recipients int
}

// Renderer builds embeds for notices. Everything it renders depends on the
// notice only, so identical notices hash the same.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

func (r *Renderer) Render(n scheduler.Notice) (ledger.Content, error) {
	if n.Reminder == nil || n.Snapshot == nil {
		return ledger.Content{}, errors.Wrap(errs.ErrRender, "notice without reminder or snapshot")
	}
	header, err := executeTemplate(n)
	if err != nil {
		return ledger.Content{}, err
	}

	msg := &Message{
		Embeds: []*discordgo.MessageEmbed{embed(n)},
	}
	mentions := mentionsOf(n)
	content := header
	if len(mentions) > 0 {
		content = strings.TrimSpace(content + "\n" + strings.Join(mentions, " "))
	}
	if len(content) > maxContent {
		return ledger.Content{}, errors.Wrapf(errs.ErrRender, "content is %d characters", len(content))
	}
	msg.Content = content
	msg.AllowedMentions = allowedMentions(n)

	hash, err := ledger.Hash(msg)
	if err != nil {
		return ledger.Content{}, errors.Wrap(errs.ErrRender, err.Error())
	}
	return ledger.Content{
		Payload:  msg,
		Hash:     hash,
		Revision: n.Snapshot.Revision(),
	}, nil
}

func executeTemplate(n scheduler.Notice) (string, error) {
	if n.Reminder.Message == "" {
		return "", nil
	}
	tmpl, err := template.New("reminder").Option("missingkey=error").Parse(n.Reminder.Message)
	if err != nil {
		return "", errors.Wrap(errs.ErrTemplate, err.Error())
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, TemplateData{
		Clan:       n.Snapshot.EntityName,
		ClanTag:    n.Snapshot.EntityTag,
		Opponent:   n.Snapshot.OpponentName,
		Event:      eventTitles[n.Snapshot.EventType],
		End:        n.Snapshot.EndTime,
		Recipients: len(n.Eligibility.Recipients),
	}); err != nil {
		return "", errors.Wrap(errs.ErrTemplate, err.Error())
	}
	return strings.TrimSpace(buf.String()), nil
}

func embed(n scheduler.Notice) *discordgo.MessageEmbed {
	snap := n.Snapshot
	clan := snap.EntityName
	if clan == "" {
		clan = snap.EntityTag
	}
	e := &discordgo.MessageEmbed{
		Footer: &discordgo.MessageEmbedFooter{Text: snap.EntityTag},
	}
	if !snap.EndTime.IsZero() {
		e.Timestamp = snap.EndTime.UTC().Format(time.RFC3339)
	}

	var lines []string
	switch n.Kind {
	case scheduler.KindMissed:
		e.Title = fmt.Sprintf("%s ended: missed attacks in %s", eventTitles[snap.EventType], clan)
		e.Color = colorMissed
		for _, m := range n.Missed {
			lines = append(lines, fmt.Sprintf("%s %d/%d", displayName(m.Name, m.Tag, userOf(n.Eligibility, m.Tag), n.Eligibility.Mentionable), m.Taken, m.Expected))
		}
		if len(lines) == 0 {
			lines = append(lines, "Everyone used their attacks.")
		}
	case scheduler.KindEnding:
		e.Title = fmt.Sprintf("%s in %s is ending", eventTitles[snap.EventType], clan)
		e.Color = colorEnding
		lines = recipientLines(n)
	default:
		e.Title = fmt.Sprintf("%s reminder for %s", eventTitles[snap.EventType], clan)
		e.Color = colorReminder
		if !snap.EndTime.IsZero() {
			lines = append(lines, fmt.Sprintf("Ends <t:%d:R>", snap.EndTime.Unix()))
		}
		lines = append(lines, recipientLines(n)...)
	}
	if snap.OpponentName != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Opponent", Value: snap.OpponentName, Inline: true})
	}
	if lines := activityLines(n); len(lines) > 0 {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "New attacks", Value: truncateLines(lines, maxFieldValue)})
	}
	if lines := rosterLines(n); len(lines) > 0 {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Roster changes", Value: truncateLines(lines, maxFieldValue)})
	}
	e.Description = truncateLines(lines, maxDescription)
	return e
}

// activityLines lists the actions taken since the last notice with the value
// each one actually added.
func activityLines(n scheduler.Notice) []string {
	snap := n.Snapshot
	lines := make([]string, 0, len(n.Delta.NewActions))
	for _, c := range n.Delta.NewActions {
		a := c.Action
		actor := nameOf(snap.Members, a.ActorTag)
		switch snap.EventType {
		case snapshot.ClanWars:
			line := fmt.Sprintf("%s hit %s: %d★ (+%d)", actor, nameOf(snap.Opponents, a.TargetTag), a.Value, c.Credit)
			if a.Destruction > 0 {
				line += fmt.Sprintf(" %.0f%%", a.Destruction)
			}
			lines = append(lines, line)
		default:
			lines = append(lines, fmt.Sprintf("%s +%d", actor, c.Credit))
		}
	}
	return lines
}

func rosterLines(n scheduler.Notice) []string {
	var lines []string
	for _, tag := range n.Delta.RosterAdded {
		lines = append(lines, "Joined: "+nameOf(n.Snapshot.Members, tag))
	}
	for _, tag := range n.Delta.RosterRemoved {
		lines = append(lines, "Left: "+tag)
	}
	return lines
}

func nameOf(members []snapshot.Member, tag string) string {
	for _, m := range members {
		if m.Tag == tag && m.Name != "" {
			return m.Name
		}
	}
	return tag
}

func recipientLines(n scheduler.Notice) []string {
	lines := make([]string, 0, len(n.Eligibility.Recipients))
	for _, id := range n.Eligibility.Recipients {
		name := displayName(id.Name, id.Tag, id.UserID, n.Eligibility.Mentionable)
		switch n.Snapshot.EventType {
		case snapshot.PointsChallenge:
			lines = append(lines, fmt.Sprintf("%s %d points", name, id.Points))
		default:
			lines = append(lines, fmt.Sprintf("%s %d/%d", name, id.Taken, id.Expected))
		}
	}
	return lines
}

func displayName(name, tag, userID string, mentionable bool) string {
	if name == "" {
		name = tag
	}
	if mentionable && userID != "" {
		return fmt.Sprintf("<@%s> %s", userID, name)
	}
	return name
}

func userOf(res eligibility.Result, tag string) string {
	for _, id := range res.Recipients {
		if id.Tag == tag {
			return id.UserID
		}
	}
	return ""
}

// mentionsOf lists the distinct user mentions the notice pings.
func mentionsOf(n scheduler.Notice) []string {
	if !n.Eligibility.Mentionable {
		return nil
	}
	var tags []string
	if n.Kind == scheduler.KindMissed {
		for _, m := range n.Missed {
			tags = append(tags, m.Tag)
		}
	} else {
		for _, id := range n.Eligibility.Recipients {
			tags = append(tags, id.Tag)
		}
	}
	seen := make(map[string]struct{})
	var mentions []string
	for _, tag := range tags {
		user := userOf(n.Eligibility, tag)
		if user == "" {
			continue
		}
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		mentions = append(mentions, "<@"+user+">")
	}
	return mentions
}

func allowedMentions(n scheduler.Notice) *discordgo.MessageAllowedMentions {
	allowed := &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
	if !n.Eligibility.Mentionable {
		return allowed
	}
	for _, m := range mentionsOf(n) {
		allowed.Users = append(allowed.Users, strings.TrimSuffix(strings.TrimPrefix(m, "<@"), ">"))
	}
	return allowed
}

func truncateLines(lines []string, limit int) string {
	var b strings.Builder
	for i, line := range lines {
		more := fmt.Sprintf("\n...and %d more", len(lines)-i)
		if b.Len()+len(line)+1+len(more) > limit {
			if i == 0 {
				more = more[1:]
			}
			b.WriteString(more)
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}

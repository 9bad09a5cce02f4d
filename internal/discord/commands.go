package discord

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/clashDiscordBot"
	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
)

type optionMap map[string]*discordgo.ApplicationCommandInteractionDataOption

func options(opts []*discordgo.ApplicationCommandInteractionDataOption) optionMap {
	m := make(optionMap, len(opts))
	for _, opt := range opts {
		m[opt.Name] = opt
	}
	return m
}

func (m optionMap) getString(name string) string {
	if opt, ok := m[name]; ok {
		return strings.TrimSpace(opt.StringValue())
	}
	return ""
}

func (m optionMap) getInt(name string) int {
	if opt, ok := m[name]; ok {
		return int(opt.IntValue())
	}
	return 0
}

func (m optionMap) getBool(name string) bool {
	if opt, ok := m[name]; ok {
		return opt.BoolValue()
	}
	return false
}

func (c *Client) reminderCreateCommandConfig() CommandConfig {
	return CommandConfig{
		Command: &discordgo.ApplicationCommand{
			Name:        "reminder_create",
			Description: "Remind clan members before an event ends",
			Options:     reminderCreateOptions(),
		},
		Handler: c.reminderCreateHandler,
	}
}

func reminderCreateOptions() []*discordgo.ApplicationCommandOption {
	return []*discordgo.ApplicationCommandOption{
		{
			Name:        "event",
			Description: "Which event to remind about.",
			Required:    true,
			Type:        discordgo.ApplicationCommandOptionString,
			Choices: []*discordgo.ApplicationCommandOptionChoice{
				{Name: "clan war", Value: string(snapshot.ClanWars)},
				{Name: "clan games", Value: string(snapshot.PointsChallenge)},
				{Name: "raid weekend", Value: string(snapshot.RaidWeekend)},
			},
		},
		{
			Name:        "clans",
			Description: "Clan tags, separated by commas.",
			Required:    true,
			Type:        discordgo.ApplicationCommandOptionString,
		},
		{
			Name:        "before_end",
			Description: "How long before the end to fire, e.g. 2h, 1d6h or 0 for a report once it ended.",
			Required:    true,
			Type:        discordgo.ApplicationCommandOptionString,
		},
		{
			Name:        "channel",
			Description: "Where to post. Reminders for one clan and event share one message here; edits do not ping.",
			Type:        discordgo.ApplicationCommandOptionChannel,
		},
		{
			Name:        "message",
			Description: "Message text. Supports {{.Clan}}, {{.Opponent}} and {{.Event}}.",
			Type:        discordgo.ApplicationCommandOptionString,
		},
		{
			Name:        "roles",
			Description: "Only these roles: member, admin, coLeader, leader.",
			Type:        discordgo.ApplicationCommandOptionString,
		},
		{
			Name:        "min_townhall",
			Description: "Lowest town hall level to remind.",
			Type:        discordgo.ApplicationCommandOptionInteger,
		},
		{
			Name:        "max_townhall",
			Description: "Highest town hall level to remind.",
			Type:        discordgo.ApplicationCommandOptionInteger,
		},
		{
			Name:        "remaining",
			Description: "Only members with this many attacks left, e.g. 1,2.",
			Type:        discordgo.ApplicationCommandOptionString,
		},
		{
			Name:        "war_types",
			Description: "Only these wars: normal, friendly, cwl.",
			Type:        discordgo.ApplicationCommandOptionString,
		},
		{
			Name:        "min_points",
			Description: "Clan games: remind members below this many points.",
			Type:        discordgo.ApplicationCommandOptionInteger,
		},
		{
			Name:        "all_members",
			Description: "Include clan members who did not take part yet.",
			Type:        discordgo.ApplicationCommandOptionBoolean,
		},
		{
			Name:        "smart_skip",
			Description: "Skip the reminder when there is nothing left to gain.",
			Type:        discordgo.ApplicationCommandOptionBoolean,
		},
		{
			Name:        "silent",
			Description: "Post the list without mentioning anyone.",
			Type:        discordgo.ApplicationCommandOptionBoolean,
		},
	}
}

// parseReminder builds an unvalidated reminder from reminder_create options.
func parseReminder(guildID, channelID string, opts optionMap) (reminder.Reminder, error) {
	eventType := snapshot.EventType(opts.getString("event"))
	offset, err := parseOffset(opts.getString("before_end"))
	if err != nil {
		return reminder.Reminder{}, err
	}
	target := channelID
	if opt, ok := opts["channel"]; ok {
		target = opt.ChannelValue(nil).ID
	}
	common := reminder.Common{
		MinTownHall: opts.getInt("min_townhall"),
		MaxTownHall: opts.getInt("max_townhall"),
		Silent:      opts.getBool("silent"),
	}
	for _, role := range splitList(opts.getString("roles")) {
		common.Roles = append(common.Roles, reminder.Role(role))
	}
	remaining, err := parseInts(opts.getString("remaining"))
	if err != nil {
		return reminder.Reminder{}, err
	}

	var criteria reminder.Criteria
	switch eventType {
	case snapshot.ClanWars:
		c := reminder.ClanWarCriteria{Common: common, Remaining: remaining, SmartSkip: opts.getBool("smart_skip")}
		for _, wt := range splitList(opts.getString("war_types")) {
			c.WarTypes = append(c.WarTypes, snapshot.WarType(strings.ToLower(wt)))
		}
		criteria = c
	case snapshot.PointsChallenge:
		criteria = reminder.PointsChallengeCriteria{Common: common, MinPoints: opts.getInt("min_points"), AllMembers: opts.getBool("all_members")}
	case snapshot.RaidWeekend:
		criteria = reminder.RaidWeekendCriteria{Common: common, Remaining: remaining, AllMembers: opts.getBool("all_members"), SmartSkip: opts.getBool("smart_skip")}
	default:
		return reminder.Reminder{}, errs.Configuration("event", "unknown event %q", eventType)
	}

	return reminder.Reminder{
		GuildID:        guildID,
		ChannelID:      channelID,
		DeliveryTarget: target,
		EventType:      eventType,
		Offset:         offset,
		Targets:        splitList(opts.getString("clans")),
		Criteria:       criteria,
		Message:        opts.getString("message"),
	}, nil
}

// parseOffset accepts Go durations plus a leading day count, e.g. 1d6h.
func parseOffset(s string) (time.Duration, error) {
	s = strings.ToLower(strings.ReplaceAll(s, " ", ""))
	if s == "" || s == "0" {
		return 0, nil
	}
	var days time.Duration
	if i := strings.IndexByte(s, 'd'); i >= 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, errs.Configuration("before_end", "%q is not a duration", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
	}
	if s == "" {
		return days, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errs.Configuration("before_end", "%q is not a duration", s)
	}
	return days + d, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errs.Configuration("remaining", "%q is not a number", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

func (c *Client) reminderCreateHandler(s *discordgo.Session, i *discordgo.InteractionCreate) {
	r, err := parseReminder(i.GuildID, i.ChannelID, options(i.ApplicationCommandData().Options))
	if err == nil {
		var created *reminder.Reminder
		created, err = c.Bot.CreateReminder(r)
		if err == nil {
			c.respond(s, i, createdMessage(created))
			return
		}
	}
	c.fail(s, i, "create reminder", err, "guild", i.GuildID, "channel", i.ChannelID)
}

// createdMessage confirms a new reminder and says how it shares messages
// with other reminders posting to the same channel.
func createdMessage(r *reminder.Reminder) string {
	return fmt.Sprintf("Reminder `%s` created for %s, %s before the end.\n"+
		"Reminders for the same clan and event in <#%s> share one message and edit it. "+
		"Members added by an edit are not pinged.",
		r.ID, strings.Join(r.Targets, ", "), r.Offset, r.DeliveryTarget)
}

func (c *Client) reminderEditCommandConfig() CommandConfig {
	return CommandConfig{
		Command: &discordgo.ApplicationCommand{
			Name:        "reminder_edit",
			Description: "Change when a reminder fires or what it says",
			Options: []*discordgo.ApplicationCommandOption{
				idOption(),
				{
					Name:        "before_end",
					Description: "New time before the end, e.g. 2h.",
					Type:        discordgo.ApplicationCommandOptionString,
				},
				{
					Name:        "message",
					Description: "New message text.",
					Type:        discordgo.ApplicationCommandOptionString,
				},
			},
		},
		Handler: c.reminderEditHandler,
	}
}

func parseEdit(opts optionMap) (clashDiscordBot.Edit, error) {
	var edit clashDiscordBot.Edit
	if _, ok := opts["before_end"]; ok {
		offset, err := parseOffset(opts.getString("before_end"))
		if err != nil {
			return edit, err
		}
		edit.Offset = &offset
	}
	if _, ok := opts["message"]; ok {
		msg := opts.getString("message")
		edit.Message = &msg
	}
	return edit, nil
}

func (c *Client) reminderEditHandler(s *discordgo.Session, i *discordgo.InteractionCreate) {
	opts := options(i.ApplicationCommandData().Options)
	id := opts.getString("id")
	edit, err := parseEdit(opts)
	if err == nil {
		var r *reminder.Reminder
		r, err = c.Bot.EditReminder(i.GuildID, id, edit)
		if err == nil {
			c.respond(s, i, fmt.Sprintf("Reminder `%s` now fires %s before the end.", r.ID, r.Offset))
			return
		}
	}
	c.fail(s, i, "edit reminder", err, "reminder", id)
}

func (c *Client) reminderDeleteCommandConfig() CommandConfig {
	return CommandConfig{
		Command: &discordgo.ApplicationCommand{
			Name:        "reminder_delete",
			Description: "Delete a reminder",
			Options:     []*discordgo.ApplicationCommandOption{idOption()},
		},
		Handler: c.reminderDeleteHandler,
	}
}

func (c *Client) reminderDeleteHandler(s *discordgo.Session, i *discordgo.InteractionCreate) {
	id := options(i.ApplicationCommandData().Options).getString("id")
	if err := c.Bot.DeleteReminder(i.GuildID, id); err != nil {
		c.fail(s, i, "delete reminder", err, "reminder", id)
		return
	}
	c.respond(s, i, fmt.Sprintf("Reminder `%s` deleted.", id))
}

func (c *Client) reminderListCommandConfig() CommandConfig {
	return CommandConfig{
		Command: &discordgo.ApplicationCommand{
			Name:        "reminder_list",
			Description: "List the reminders of this server",
		},
		Handler: c.reminderListHandler,
	}
}

func (c *Client) reminderListHandler(s *discordgo.Session, i *discordgo.InteractionCreate) {
	rs, err := c.Bot.ListReminders(i.GuildID)
	if err != nil {
		c.fail(s, i, "list reminders", err, "guild", i.GuildID)
		return
	}
	c.respond(s, i, formatReminders(rs))
}

func formatReminders(rs []*reminder.Reminder) string {
	if len(rs) == 0 {
		return "No reminders yet."
	}
	var b strings.Builder
	for _, r := range rs {
		line := fmt.Sprintf("`%s` %s %s before end in <#%s> for %s",
			r.ID, r.EventType, r.Offset, r.DeliveryTarget, strings.Join(r.Targets, ", "))
		if r.Disabled {
			line += " (disabled)"
		}
		if b.Len()+len(line)+1 > maxContent {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (c *Client) remindNowCommandConfig() CommandConfig {
	return CommandConfig{
		Command: &discordgo.ApplicationCommand{
			Name:        "remind_now",
			Description: "Post a reminder right away",
			Options:     []*discordgo.ApplicationCommandOption{idOption()},
		},
		Handler: c.remindNowHandler,
	}
}

func (c *Client) remindNowHandler(s *discordgo.Session, i *discordgo.InteractionCreate) {
	id := options(i.ApplicationCommandData().Options).getString("id")
	n, err := c.Bot.RemindNow(i.GuildID, id)
	if err != nil {
		c.fail(s, i, "remind now", err, "reminder", id)
		return
	}
	if n == 0 {
		c.respond(s, i, "Nobody needs a reminder right now.")
		return
	}
	c.respond(s, i, fmt.Sprintf("Sent %d reminder(s).", n))
}

func (c *Client) linkPlayerCommandConfig() CommandConfig {
	return CommandConfig{
		Command: &discordgo.ApplicationCommand{
			Name:        "link_player",
			Description: "Link a player tag to a Discord user so reminders mention them",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Name:        "tag",
					Description: "Player tag.",
					Required:    true,
					Type:        discordgo.ApplicationCommandOptionString,
				},
				{
					Name:        "user",
					Description: "Discord user. Defaults to you.",
					Type:        discordgo.ApplicationCommandOptionUser,
				},
			},
		},
		Handler: c.linkPlayerHandler,
	}
}

func (c *Client) linkPlayerHandler(s *discordgo.Session, i *discordgo.InteractionCreate) {
	opts := options(i.ApplicationCommandData().Options)
	userID := invoker(i)
	if opt, ok := opts["user"]; ok {
		userID = opt.UserValue(nil).ID
	}
	tag, err := c.Bot.LinkPlayer(opts.getString("tag"), userID)
	if err != nil {
		c.fail(s, i, "link player", err, "user", userID)
		return
	}
	c.respond(s, i, fmt.Sprintf("Linked %s to <@%s>.", tag, userID))
}

func invoker(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func idOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Name:        "id",
		Description: "Reminder id from /reminder_list.",
		Required:    true,
		Type:        discordgo.ApplicationCommandOptionString,
	}
}

func (c *Client) respond(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags:   discordgo.MessageFlagsEphemeral,
			Content: content,
		},
	}); err != nil {
		_ = level.Error(c.Ctx.Log()).Log("error", fmt.Errorf("failed to send interaction response: %w", err).Error(),
			"command", i.ApplicationCommandData().Name,
			"guild", i.GuildID,
		)
	}
}

// fail tells the user what went wrong. Configuration errors are shown as is,
// anything else is logged and answered with a generic message.
func (c *Client) fail(s *discordgo.Session, i *discordgo.InteractionCreate, action string, err error, keyvals ...interface{}) {
	var cfgErr *errs.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		c.respond(s, i, fmt.Sprintf("Could not %s: %s %s.", action, cfgErr.Field, cfgErr.Reason))
		return
	case errors.Is(err, reminder.ErrNotFound):
		c.respond(s, i, "No such reminder on this server.")
		return
	}
	_ = level.Error(c.Ctx.Log()).Log(append([]interface{}{
		"error", fmt.Errorf("failed to %s: %w", action, err).Error(),
		"command", i.ApplicationCommandData().Name,
	}, keyvals...)...)
	c.respond(s, i, fmt.Sprintf("Failed to %s.", action))
}

package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/clashDiscordBot"
	"github.com/meriley/clash-spy/internal/context"
)

type Client struct {
	Ctx      context.Ctx
	Client   *discordgo.Session
	Bot      *clashDiscordBot.ClashDiscordBot
	handlers map[string]func(s *discordgo.Session, i *discordgo.InteractionCreate)
}

// NewSession creates the bot session without connecting it.
func NewSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuilds
	return dg, nil
}

// New opens dg and registers the slash commands.
func New(ctx context.Ctx, dg *discordgo.Session, bot *clashDiscordBot.ClashDiscordBot) (*Client, error) {
	client := &Client{
		Ctx:      ctx,
		Client:   dg,
		Bot:      bot,
		handlers: make(map[string]func(s *discordgo.Session, i *discordgo.InteractionCreate)),
	}
	for _, cmdConfig := range client.commandConfigs() {
		client.handlers[cmdConfig.Command.Name] = cmdConfig.Handler
	}
	dg.AddHandler(client.onInteraction)
	if err := dg.Open(); err != nil {
		return nil, errors.Wrap(err, "error opening discord session")
	}
	if err := client.RegisterCommands(); err != nil {
		return nil, err
	}

	return client, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

type CommandConfig struct {
	Command *discordgo.ApplicationCommand
	Handler func(s *discordgo.Session, i *discordgo.InteractionCreate)
}

func (c *Client) commandConfigs() []CommandConfig {
	return []CommandConfig{
		c.reminderCreateCommandConfig(),
		c.reminderEditCommandConfig(),
		c.reminderDeleteCommandConfig(),
		c.reminderListCommandConfig(),
		c.remindNowCommandConfig(),
		c.linkPlayerCommandConfig(),
	}
}

func (c *Client) RegisterCommands() error {
	for _, cmdConfig := range c.commandConfigs() {
		_, err := c.Client.ApplicationCommandCreate(c.Client.State.Application.ID, "", cmdConfig.Command)
		if err != nil {
			return errors.Wrapf(err, "failed to create application command %s", cmdConfig.Command.Name)
		}
	}

	return nil
}

func (c *Client) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	name := i.ApplicationCommandData().Name
	handler, ok := c.handlers[name]
	if !ok {
		_ = level.Warn(c.Ctx.Log()).Log("msg", "unknown command", "command", name)
		return
	}
	handler(s, i)
}

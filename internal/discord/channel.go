package discord

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/errs"
)

// Message is the payload rendered for a channel.
type Message struct {
	Content         string                            `json:"content,omitempty"`
	Embeds          []*discordgo.MessageEmbed         `json:"embeds,omitempty"`
	AllowedMentions *discordgo.MessageAllowedMentions `json:"allowedMentions,omitempty"`
}

// messenger is the part of *discordgo.Session the channel needs.
type messenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

const (
	defaultMaxTries = 3
	// maxRetryAfter is the longest rate limit wait done in place. Longer
	// waits surface as errs.ErrRateLimited.
	maxRetryAfter = 10 * time.Second
)

// Channel posts and edits messages in Discord text channels. The delivery
// target is the channel id and the message reference the message id.
type Channel struct {
	session  messenger
	logger   log.Logger
	maxTries uint
}

func NewChannel(session *discordgo.Session, logger log.Logger) *Channel {
	// Rate limits are retried here with the wait Discord asks for.
	session.ShouldRetryOnRateLimit = false
	return newChannel(session, logger)
}

func newChannel(session messenger, logger log.Logger) *Channel {
	return &Channel{
		session:  session,
		logger:   log.With(logger, "component", "discord-channel"),
		maxTries: defaultMaxTries,
	}
}

func (c *Channel) Send(ctx context.Context, target string, payload any) (string, error) {
	msg, err := asMessage(payload)
	if err != nil {
		return "", err
	}
	send := &discordgo.MessageSend{
		Content:         msg.Content,
		Embeds:          msg.Embeds,
		AllowedMentions: msg.AllowedMentions,
	}
	sent, err := c.retry(ctx, "send", target, func() (*discordgo.Message, error) {
		return c.session.ChannelMessageSendComplex(target, send, discordgo.WithContext(ctx))
	})
	if err != nil {
		return "", err
	}
	return sent.ID, nil
}

func (c *Channel) Edit(ctx context.Context, target, ref string, payload any) (string, error) {
	msg, err := asMessage(payload)
	if err != nil {
		return "", err
	}
	edit := discordgo.NewMessageEdit(target, ref).
		SetContent(msg.Content).
		SetEmbeds(msg.Embeds)
	edit.AllowedMentions = msg.AllowedMentions
	edited, err := c.retry(ctx, "edit", target, func() (*discordgo.Message, error) {
		return c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	})
	if err != nil {
		return "", err
	}
	return edited.ID, nil
}

// retry runs call until it succeeds, fails with anything but a short rate
// limit, or runs out of tries. The returned error is classified.
func (c *Channel) retry(ctx context.Context, op, target string, call func() (*discordgo.Message, error)) (*discordgo.Message, error) {
	var last error
	msg, err := backoff.Retry(ctx, func() (*discordgo.Message, error) {
		m, err := call()
		if err == nil {
			return m, nil
		}
		last = classify(err)
		if wait, ok := retryAfter(err); ok && wait <= maxRetryAfter {
			_ = level.Warn(c.logger).Log("msg", "rate limited", "op", op, "channel", target, "retryAfter", wait)
			return nil, backoff.RetryAfter(int(math.Ceil(wait.Seconds())))
		}
		return nil, backoff.Permanent(last)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		if last == nil {
			last = err
		}
		return nil, errors.Wrapf(last, "failed to %s message in %s", op, target)
	}
	return msg, nil
}

func asMessage(payload any) (*Message, error) {
	switch m := payload.(type) {
	case *Message:
		return m, nil
	case Message:
		return &m, nil
	}
	return nil, errors.Wrapf(errs.ErrRender, "unexpected payload %T", payload)
}

func retryAfter(err error) (time.Duration, bool) {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return rl.RetryAfter, true
	}
	return 0, false
}

// classify maps discordgo errors onto the channel sentinels.
func classify(err error) error {
	if _, ok := retryAfter(err); ok {
		return errors.Wrap(errs.ErrRateLimited, err.Error())
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) || rest.Response == nil {
		return err
	}
	code := 0
	if rest.Message != nil {
		code = rest.Message.Code
	}
	switch {
	case code == discordgo.ErrCodeUnknownMessage:
		return errors.Wrap(errs.ErrMessageNotFound, err.Error())
	case code == discordgo.ErrCodeUnknownChannel,
		code == discordgo.ErrCodeMissingAccess,
		code == discordgo.ErrCodeMissingPermissions,
		rest.Response.StatusCode == http.StatusForbidden:
		return errors.Wrap(errs.ErrForbidden, err.Error())
	case rest.Response.StatusCode == http.StatusNotFound:
		return errors.Wrap(errs.ErrMessageNotFound, err.Error())
	case rest.Response.StatusCode == http.StatusTooManyRequests:
		return errors.Wrap(errs.ErrRateLimited, err.Error())
	}
	return err
}

// Package slack connects the assistant to Slack over socket mode.
package slack

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zhouzirui/sop-assistant/internal/config"
	"github.com/zhouzirui/sop-assistant/internal/model/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
)

// Source tags events coming from Slack.
const Source = "slack"

// Dispatcher accepts events for asynchronous handling.
type Dispatcher interface {
	Dispatch(event chat.InboundEvent, replier assistant.Replier) error
}

// Client receives mentions and direct messages and posts threaded replies.
type Client struct {
	api        *goslack.Client
	socket     *socketmode.Client
	dispatcher Dispatcher
	botUserID  string
	logger     zerolog.Logger
}

// Option customizes the underlying Slack API client.
type Option = goslack.Option

// New creates a socket-mode client from the bot and app-level tokens.
func New(cfg config.SlackConfig, dispatcher Dispatcher, logger zerolog.Logger, opts ...Option) *Client {
	opts = append([]Option{goslack.OptionAppLevelToken(cfg.AppToken)}, opts...)
	api := goslack.New(cfg.BotToken, opts...)
	return &Client{
		api:        api,
		socket:     socketmode.New(api),
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "slack").Logger(),
	}
}

// Run resolves the bot identity and processes events until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test failed: %w", err)
	}
	c.botUserID = auth.UserID
	c.logger.Info().Str("bot", auth.UserID).Str("team", auth.Team).Msg("connected to slack")

	go c.consume(ctx)
	return c.socket.RunContext(ctx)
}

func (c *Client) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			c.handleSocketEvent(evt)
		}
	}
}

func (c *Client) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		c.logger.Debug().Msg("connecting to socket mode")
	case socketmode.EventTypeConnectionError:
		c.logger.Warn().Interface("data", evt.Data).Msg("socket mode connection error")
	case socketmode.EventTypeConnected:
		c.logger.Info().Msg("socket mode connected")
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}

		inbound, ok := ToInboundEvent(apiEvent.InnerEvent.Data, c.botUserID)
		if !ok {
			return
		}
		if err := c.dispatcher.Dispatch(inbound, c); err != nil {
			c.logger.Warn().Err(err).Str("channel", inbound.Channel).Msg("event not dispatched")
		}
	}
}

// Deliver posts one fragment into the thread as a mrkdwn section block.
func (c *Client) Deliver(ctx context.Context, reply chat.Reply) error {
	if strings.TrimSpace(reply.Text) == "" {
		c.logger.Debug().Str("channel", reply.Channel).Msg("skipping empty reply")
		return nil
	}

	_, _, err := c.api.PostMessageContext(ctx, reply.Channel, messageOptions(reply)...)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}

func messageOptions(reply chat.Reply) []goslack.MsgOption {
	fallback := reply.Fallback
	if fallback == "" {
		fallback = reply.Text
	}
	section := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, reply.Text, false, false),
		nil, nil,
	)
	opts := []goslack.MsgOption{
		goslack.MsgOptionText(fallback, false),
		goslack.MsgOptionBlocks(section),
	}
	if reply.ThreadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(reply.ThreadTS))
	}
	return opts
}

// ToInboundEvent converts an Events API payload into an InboundEvent. Only
// channel mentions and direct messages from people are accepted.
func ToInboundEvent(data any, botUserID string) (chat.InboundEvent, bool) {
	switch ev := data.(type) {
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" || ev.User == "" || ev.User == botUserID {
			return chat.InboundEvent{}, false
		}
		return chat.InboundEvent{
			Text:     StripMention(ev.Text, botUserID),
			Channel:  ev.Channel,
			TS:       ev.TimeStamp,
			ThreadTS: ev.ThreadTimeStamp,
			User:     ev.User,
			Source:   Source,
		}, true
	case *slackevents.MessageEvent:
		// Mentions in channels also arrive as app_mention; only DMs are taken here.
		if ev.ChannelType != "im" || ev.SubType != "" || ev.BotID != "" || ev.User == "" || ev.User == botUserID {
			return chat.InboundEvent{}, false
		}
		return chat.InboundEvent{
			Text:     StripMention(ev.Text, botUserID),
			Channel:  ev.Channel,
			TS:       ev.TimeStamp,
			ThreadTS: ev.ThreadTimeStamp,
			User:     ev.User,
			Source:   Source,
		}, true
	}
	return chat.InboundEvent{}, false
}

// StripMention removes the bot's own <@U…> mention from text.
func StripMention(text, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	mention := regexp.MustCompile(`<@` + regexp.QuoteMeta(botUserID) + `(\|[^>]*)?>`)
	return strings.TrimSpace(mention.ReplaceAllString(text, ""))
}

// Package matrix connects the assistant to Matrix rooms.
package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/zhouzirui/sop-assistant/internal/config"
	"github.com/zhouzirui/sop-assistant/internal/model/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
)

// Source tags events coming from Matrix.
const Source = "matrix"

// Dispatcher accepts events for asynchronous handling.
type Dispatcher interface {
	Dispatch(event chat.InboundEvent, replier assistant.Replier) error
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// Client wraps the mautrix client.
type Client struct {
	client     *mautrix.Client
	userID     id.UserID
	rooms      map[id.RoomID]struct{}
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// New creates a Matrix client for the configured bot account.
func New(cfg config.MatrixConfig, dispatcher Dispatcher, logger zerolog.Logger) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	rooms := make(map[id.RoomID]struct{}, len(cfg.Rooms))
	for _, room := range cfg.Rooms {
		rooms[id.RoomID(room)] = struct{}{}
	}

	return &Client{
		client:     client,
		userID:     id.UserID(cfg.UserID),
		rooms:      rooms,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "matrix").Logger(),
	}, nil
}

// Run joins the configured rooms and syncs until ctx is cancelled, backing
// off between failed syncs.
func (c *Client) Run(ctx context.Context) error {
	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("unexpected matrix syncer type")
	}
	syncer.OnSync(c.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for room := range c.rooms {
		if _, err := c.client.JoinRoomByID(ctx, room); err != nil && !errors.Is(err, mautrix.MForbidden) {
			return fmt.Errorf("failed to join room %s: %w", room, err)
		}
	}

	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		c.logger.Error().Err(err).Dur("backoff", backoff).Msg("matrix sync stopped; reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

func (c *Client) handleMessage(_ context.Context, evt *event.Event) {
	inbound, ok := ToInboundEvent(evt, c.userID, c.rooms)
	if !ok {
		return
	}
	if err := c.dispatcher.Dispatch(inbound, c); err != nil {
		c.logger.Warn().Err(err).Str("room", inbound.Channel).Msg("event not dispatched")
	}
}

// Deliver sends one fragment into the thread rooted at reply.ThreadTS.
func (c *Client) Deliver(ctx context.Context, reply chat.Reply) error {
	content, err := BuildContent(reply)
	if err != nil {
		return err
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(reply.Channel), event.EventMessage, content); err != nil {
		return fmt.Errorf("failed to send matrix message: %w", err)
	}
	return nil
}

// BuildContent renders a reply as an m.text event with an HTML body.
func BuildContent(reply chat.Reply) (*event.MessageEventContent, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(reply.Text), &buf); err != nil {
		return nil, fmt.Errorf("failed to render markdown: %w", err)
	}

	body := reply.Fallback
	if body == "" {
		body = reply.Text
	}
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: buf.String(),
	}
	if reply.ThreadTS != "" {
		root := id.EventID(reply.ThreadTS)
		content.RelatesTo = (&event.RelatesTo{}).SetThread(root, root)
	}
	return content, nil
}

// ToInboundEvent accepts text messages from other users in the given rooms.
func ToInboundEvent(evt *event.Event, self id.UserID, rooms map[id.RoomID]struct{}) (chat.InboundEvent, bool) {
	if evt == nil || evt.Sender == self {
		return chat.InboundEvent{}, false
	}
	if _, ok := rooms[evt.RoomID]; !ok {
		return chat.InboundEvent{}, false
	}

	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return chat.InboundEvent{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return chat.InboundEvent{}, false
	}

	return chat.InboundEvent{
		Text:     content.Body,
		Channel:  evt.RoomID.String(),
		TS:       evt.ID.String(),
		ThreadTS: content.RelatesTo.GetThreadParent().String(),
		User:     evt.Sender.String(),
		Source:   Source,
	}, true
}

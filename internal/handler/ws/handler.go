package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/sop-assistant/internal/model/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
	"github.com/zhouzirui/sop-assistant/pkg/utils"
)

// Source tags events arriving over the websocket.
const Source = "ws"

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler WebSocket问答处理器
type Handler struct {
	pipeline *assistant.Pipeline
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New 创建WebSocket处理器
func New(pipeline *assistant.Pipeline, logger zerolog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type outgoingMessage struct {
	Type           string              `json:"type"`
	ConversationID chat.ConversationID `json:"conversationId,omitempty"`
	Data           interface{}         `json:"data,omitempty"`
	Timestamp      int64               `json:"timestamp"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		http.Error(w, "assistant unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	h.logger.Info().Str("remote", r.RemoteAddr).Msg("new connection")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, conn)

	for {
		var event chat.InboundEvent
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		h.handleEvent(ctx, conn, event)
	}
}

// handleEvent 处理一条问题，依次推送 delta、fragment 与 done
func (h *Handler) handleEvent(ctx context.Context, conn *websocket.Conn, event chat.InboundEvent) {
	event.Source = Source
	if event.TS == "" {
		event.TS = utils.MessageTS(time.Now())
	}

	id, err := event.ConversationID()
	if err != nil {
		h.sendError(conn, "", err.Error())
		return
	}

	deltas := assistant.DeltaFunc(func(text string) {
		h.send(conn, outgoingMessage{Type: "delta", ConversationID: id, Data: map[string]string{"content": text}})
	})
	fragments := assistant.ReplierFunc(func(_ context.Context, reply chat.Reply) error {
		return h.send(conn, outgoingMessage{Type: "fragment", ConversationID: id, Data: reply})
	})

	if _, err := h.pipeline.Handle(ctx, event, fragments, deltas); err != nil {
		message := "AI generation failed"
		if errors.Is(err, chat.ErrInvalidEvent) {
			message = err.Error()
		}
		h.sendError(conn, id, message)
		return
	}

	h.send(conn, outgoingMessage{
		Type:           "done",
		ConversationID: id,
		Data:           map[string]string{"threadTs": event.ThreadRoot()},
	})
}

func (h *Handler) send(conn *websocket.Conn, msg outgoingMessage) error {
	msg.Timestamp = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("write failed")
		return err
	}
	return nil
}

func (h *Handler) sendError(conn *websocket.Conn, id chat.ConversationID, message string) {
	_ = h.send(conn, outgoingMessage{
		Type:           "error",
		ConversationID: id,
		Data:           map[string]string{"message": message},
	})
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

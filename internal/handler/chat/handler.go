package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/sop-assistant/internal/model/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
	chatService "github.com/zhouzirui/sop-assistant/internal/service/chat"
	"github.com/zhouzirui/sop-assistant/pkg/utils"
)

// Source tags events posted over HTTP.
const Source = "http"

// Handler 会话与事件的HTTP处理器
type Handler struct {
	chatSvc  *chatService.Service
	pipeline *assistant.Pipeline
}

// New 创建处理器；pipeline 为空时事件接口返回 503。
func New(chatSvc *chatService.Service, pipeline *assistant.Pipeline) *Handler {
	return &Handler{
		chatSvc:  chatSvc,
		pipeline: pipeline,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/events", h.handleEvent)
	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{conversationID}", h.handleGetSession)
	r.Delete("/sessions/{conversationID}", h.handleResetSession)
}

type eventResponse struct {
	ConversationID chat.ConversationID `json:"conversationId"`
	Fragments      []chat.Reply        `json:"fragments"`
	Fallback       string              `json:"fallback,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// handleEvent 同步处理一个事件并返回全部回复片段
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "assistant unavailable")
		return
	}

	var event chat.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if event.Source == "" {
		event.Source = Source
	}
	if event.TS == "" {
		event.TS = utils.MessageTS(time.Now())
	}

	collector := &collectingReplier{}
	result, err := h.pipeline.Handle(r.Context(), event, collector)
	if errors.Is(err, chat.ErrInvalidEvent) {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := eventResponse{Fragments: collector.replies()}
	if result != nil {
		resp.ConversationID = result.ConversationID
	}
	if len(resp.Fragments) > 0 {
		resp.Fallback = resp.Fragments[0].Fallback
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
		resp.Error = err.Error()
	}
	utils.RespondJSON(w, status, resp)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"sessions": h.chatSvc.Snapshot()})
}

// handleGetSession 返回会话历史快照，不刷新访问时间
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}

	session, err := h.chatSvc.GetSession(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chatService.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	if !h.chatSvc.Reset(id) {
		utils.RespondError(w, http.StatusNotFound, chatService.ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func conversationParam(w http.ResponseWriter, r *http.Request) (chat.ConversationID, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "conversationID"))
	if err != nil || raw == "" {
		utils.RespondError(w, http.StatusBadRequest, "invalid conversation id")
		return "", false
	}
	return chat.ConversationID(raw), true
}

type collectingReplier struct {
	mu    sync.Mutex
	items []chat.Reply
}

func (c *collectingReplier) Deliver(_ context.Context, reply chat.Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, reply)
	return nil
}

func (c *collectingReplier) replies() []chat.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Reply{}, c.items...)
}

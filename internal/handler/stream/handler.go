package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/sop-assistant/internal/model/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
	"github.com/zhouzirui/sop-assistant/pkg/utils"
)

// Source tags events arriving over SSE.
const Source = "sse"

// Handler manages streaming AI responses via Server-Sent Events
type Handler struct {
	pipeline *assistant.Pipeline
	logger   zerolog.Logger
}

// New creates a new stream handler
func New(pipeline *assistant.Pipeline, logger zerolog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		logger:   logger.With().Str("component", "sse").Logger(),
	}
}

// RegisterRoutes mounts GET /stream.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.handleStream)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	ConversationID chat.ConversationID `json:"conversationId,omitempty"`
	ThreadTS       string              `json:"threadTs,omitempty"`
	Content        string              `json:"content,omitempty"`
	Index          int                 `json:"index,omitempty"`
	Total          int                 `json:"total,omitempty"`
	Finished       bool                `json:"finished,omitempty"`
	Error          string              `json:"error,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	event := eventFromQuery(r)
	if err := event.Validate(); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := event.ConversationID()
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.HandleStreamRequest(r.Context(), w, flusher, id, event); err != nil {
		h.logger.Warn().Err(err).Str("conversation", id.String()).Msg("stream request failed")
	}
}

// HandleStreamRequest runs one cycle and mirrors its progress as SSE events:
// start, delta*, fragment*, then end or error.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, id chat.ConversationID, event chat.InboundEvent) error {
	utils.SetupSSEHeaders(w)

	utils.SendSSEEvent(w, flusher, "start", StreamResponse{
		ConversationID: id,
		ThreadTS:       event.ThreadRoot(),
	})

	deltas := assistant.DeltaFunc(func(text string) {
		utils.SendSSEEvent(w, flusher, "delta", StreamResponse{Content: text})
	})
	fragments := assistant.ReplierFunc(func(_ context.Context, reply chat.Reply) error {
		utils.SendSSEEvent(w, flusher, "fragment", StreamResponse{
			Content: reply.Text,
			Index:   reply.Index,
			Total:   reply.Total,
		})
		return nil
	})

	_, err := h.pipeline.Handle(ctx, event, fragments, deltas)
	if err != nil {
		h.sendSSEError(w, flusher, err)
		return err
	}

	utils.SendSSEEvent(w, flusher, "end", StreamResponse{ConversationID: id, Finished: true})
	return nil
}

func (h *Handler) sendSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	message := "AI generation failed"
	if errors.Is(err, assistant.ErrDeliveryFailed) {
		message = "delivery failed"
	}
	utils.SendSSEEvent(w, flusher, "error", StreamResponse{Error: message})
}

func eventFromQuery(r *http.Request) chat.InboundEvent {
	q := r.URL.Query()
	event := chat.InboundEvent{
		Text:     q.Get("message"),
		Channel:  q.Get("channel"),
		TS:       q.Get("ts"),
		ThreadTS: q.Get("thread"),
		User:     q.Get("user"),
		Source:   Source,
	}
	if event.Channel == "" {
		event.Channel = Source
	}
	if event.TS == "" {
		event.TS = utils.MessageTS(time.Now())
	}
	return event
}

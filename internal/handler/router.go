package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/sop-assistant/internal/handler/chat"
	"github.com/zhouzirui/sop-assistant/internal/handler/knowledge"
	"github.com/zhouzirui/sop-assistant/internal/handler/stream"
	"github.com/zhouzirui/sop-assistant/internal/handler/ws"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
	chatService "github.com/zhouzirui/sop-assistant/internal/service/chat"
	"github.com/zhouzirui/sop-assistant/pkg/utils"
)

// NewRouter wires HTTP routes to core services. pipeline is nil when no
// model is configured; reloader is nil without a knowledge directory.
func NewRouter(chatSvc *chatService.Service, pipeline *assistant.Pipeline, reloader knowledge.Reloader, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": chatSvc.Len(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		chat.New(chatSvc, pipeline).RegisterRoutes(api)
		stream.New(pipeline, logger).RegisterRoutes(api)
		ws.New(pipeline, logger).RegisterRoutes(api)
		knowledge.New(reloader, logger).RegisterRoutes(api)
	})

	return r
}

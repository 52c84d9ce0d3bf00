package knowledge

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	knowledgeService "github.com/zhouzirui/sop-assistant/internal/service/knowledge"
	"github.com/zhouzirui/sop-assistant/pkg/utils"
)

// Reloader rebuilds the retrieval index from its source.
type Reloader interface {
	Reload() error
	Len() int
}

// Handler exposes knowledge base maintenance.
type Handler struct {
	reloader Reloader
	logger   zerolog.Logger
}

// New creates the handler; reloader may be nil when no knowledge base is configured.
func New(reloader Reloader, logger zerolog.Logger) *Handler {
	return &Handler{reloader: reloader, logger: logger.With().Str("component", "knowledge").Logger()}
}

// RegisterRoutes mounts POST /knowledge/reload.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/knowledge/reload", h.handleReload)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		utils.RespondError(w, http.StatusNotFound, knowledgeService.ErrNotConfigured.Error())
		return
	}

	if err := h.reloader.Reload(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, knowledgeService.ErrNotConfigured) {
			status = http.StatusNotFound
		}
		h.logger.Error().Err(err).Msg("knowledge reload failed")
		utils.RespondError(w, status, err.Error())
		return
	}

	h.logger.Info().Int("documents", h.reloader.Len()).Msg("knowledge base reloaded")
	utils.RespondJSON(w, http.StatusOK, map[string]int{"documents": h.reloader.Len()})
}

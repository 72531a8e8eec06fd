package api

import (
	"context"
	"net/http"

	"github.com/okian/scouting/internal/domain/model"
)

// TeamDependencies defines the interface for aggregate reads.
type TeamDependencies interface {
	GetAggregate(ctx context.Context, key model.TeamKey) (model.TeamEventData, error)
}

// TeamsHandler handles aggregate requests.
type TeamsHandler struct {
	deps TeamDependencies
}

// NewTeamsHandler creates a new teams handler.
func NewTeamsHandler(deps TeamDependencies) *TeamsHandler {
	return &TeamsHandler{deps: deps}
}

// HandleGetTeam handles GET /teams/{event}/{team} requests.
func (h *TeamsHandler) HandleGetTeam(w http.ResponseWriter, r *http.Request) {
	key, err := teamKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	ted, err := h.deps.GetAggregate(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ted)
}

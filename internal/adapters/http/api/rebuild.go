package api

import (
	"context"
	"net/http"

	service "github.com/okian/scouting/internal/app"
)

// RebuildDependencies defines the operator repair operation.
type RebuildDependencies interface {
	Rebuild(ctx context.Context, eventKey string) (service.RebuildResult, error)
}

// RebuildHandler handles event rebuild requests.
type RebuildHandler struct {
	deps RebuildDependencies
}

// NewRebuildHandler creates a new rebuild handler.
func NewRebuildHandler(deps RebuildDependencies) *RebuildHandler {
	return &RebuildHandler{deps: deps}
}

// HandleRebuild handles POST /events/{event}/rebuild requests.
func (h *RebuildHandler) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Rebuild(r.Context(), r.PathValue("event"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	service "github.com/okian/scouting/internal/app"
	"github.com/okian/scouting/internal/domain/model"
)

// ObservationDependencies defines the write side of the engine.
type ObservationDependencies interface {
	Submit(ctx context.Context, rec *model.ObservationRecord) (service.SubmitResult, error)
	Remove(ctx context.Context, id model.Identity) ([]model.TeamKey, error)
}

// ObservationsHandler handles observation writes.
type ObservationsHandler struct {
	deps ObservationDependencies
}

// NewObservationsHandler creates a new observations handler.
func NewObservationsHandler(deps ObservationDependencies) *ObservationsHandler {
	return &ObservationsHandler{deps: deps}
}

type submitResponse struct {
	Status string `json:"status"`
	service.SubmitResult
}

type removeResponse struct {
	Status string          `json:"status"`
	Teams  []model.TeamKey `json:"teams"`
}

// HandlePost handles POST /observations requests.
func (h *ObservationsHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	var rec model.ObservationRecord
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	res, err := h.deps.Submit(r.Context(), &rec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	switch {
	case res.Duplicate:
		writeJSON(w, http.StatusOK, submitResponse{Status: "duplicate", SubmitResult: res})
	case res.Replaced:
		writeJSON(w, http.StatusOK, submitResponse{Status: "replaced", SubmitResult: res})
	default:
		writeJSON(w, http.StatusCreated, submitResponse{Status: "created", SubmitResult: res})
	}
}

// HandleDelete handles DELETE /observations/{event}/{match}/{station} requests.
func (h *ObservationsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	match, err := strconv.Atoi(r.PathValue("match"))
	if err != nil || match < 1 {
		writeError(w, http.StatusBadRequest, codeBadRequest, wrapBadRequest("match must be a positive number"))
		return
	}
	id := model.Identity{EventKey: r.PathValue("event"), MatchNumber: match, Station: r.PathValue("station")}

	teams, err := h.deps.Remove(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, removeResponse{Status: "removed", Teams: teams})
}

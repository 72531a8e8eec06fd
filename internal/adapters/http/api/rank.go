package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/okian/scouting/internal/adapters/repository"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/rank"
)

// RankDependencies defines the interface for rank operations.
type RankDependencies interface {
	GetRanks(ctx context.Context, key model.TeamKey, refs []model.FieldRef) ([]rank.Result, error)
}

// RankHandler handles rank requests.
type RankHandler struct {
	deps RankDependencies
}

// NewRankHandler creates a new rank handler.
func NewRankHandler(deps RankDependencies) *RankHandler {
	return &RankHandler{deps: deps}
}

type rankResponse struct {
	EventKey   string        `json:"event_key"`
	TeamNumber int           `json:"team_number"`
	Ranks      []rank.Result `json:"ranks"`
}

// HandleGetRank handles GET /rank/{event}/{team}?field=a&field=b requests.
// Fields are ranked independently; a field that cannot be ranked carries
// its own error in the response.
func (h *RankHandler) HandleGetRank(w http.ResponseWriter, r *http.Request) {
	key, err := teamKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	fields := r.URL.Query()["field"]
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, wrapBadRequest("at least one field is required"))
		return
	}
	refs := make([]model.FieldRef, 0, len(fields))
	for _, f := range fields {
		ref, err := model.ParseFieldRef(f)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, err)
			return
		}
		refs = append(refs, ref)
	}

	results, err := h.deps.GetRanks(r.Context(), key, refs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if missingTeam(results) {
		writeDomainError(w, results[0].Err)
		return
	}
	writeJSON(w, http.StatusOK, rankResponse{EventKey: key.EventKey, TeamNumber: key.TeamNumber, Ranks: results})
}

// missingTeam reports whether every field failed because the team has no aggregate.
func missingTeam(results []rank.Result) bool {
	for _, res := range results {
		if !errors.Is(res.Err, repository.ErrNotFound) {
			return false
		}
	}
	return len(results) > 0
}

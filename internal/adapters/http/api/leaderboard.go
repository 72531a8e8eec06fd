package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/rank"
)

// defaultLeaderboardField orders standings when no field is given.
const defaultLeaderboardField = model.MetricTotalPoints + ".avg"

// LeaderboardDependencies defines the interface for leaderboard operations.
type LeaderboardDependencies interface {
	Leaderboard(ctx context.Context, eventKey string, ref model.FieldRef, limit int) ([]rank.Entry, error)
}

// LeaderboardHandler handles leaderboard requests.
type LeaderboardHandler struct {
	deps     LeaderboardDependencies
	maxLimit int
}

// NewLeaderboardHandler creates a new leaderboard handler.
func NewLeaderboardHandler(deps LeaderboardDependencies, maxLimit int) *LeaderboardHandler {
	return &LeaderboardHandler{
		deps:     deps,
		maxLimit: maxLimit,
	}
}

type leaderboardResponse struct {
	EventKey string       `json:"event_key"`
	Field    string       `json:"field"`
	Entries  []rank.Entry `json:"entries"`
}

// HandleGetLeaderboard handles GET /leaderboard/{event}?field=...&limit=N requests.
func (h *LeaderboardHandler) HandleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	field := q.Get("field")
	if field == "" {
		field = defaultLeaderboardField
	}
	ref, err := model.ParseFieldRef(field)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}

	n := h.maxLimit
	if limitStr := q.Get("limit"); limitStr != "" {
		n, err = strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, codeBadRequest, wrapBadRequest("limit must be a positive number"))
			return
		}
	}
	if n > h.maxLimit {
		writeError(w, http.StatusBadRequest, codeLimitExceeded, fmt.Errorf("%w: max %d", ErrLimitExceeded, h.maxLimit))
		return
	}

	event := r.PathValue("event")
	entries, err := h.deps.Leaderboard(r.Context(), event, ref, n)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{EventKey: event, Field: ref.String(), Entries: entries})
}

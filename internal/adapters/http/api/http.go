// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/okian/scouting/internal/adapters/lock"
	"github.com/okian/scouting/internal/adapters/repository"
	service "github.com/okian/scouting/internal/app"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/rank"
)

// maxBodyBytes caps a submitted observation record.
const maxBodyBytes = 1 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	ObservationDependencies
	TeamDependencies
	RankDependencies
	LeaderboardDependencies
	RebuildDependencies
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler       *HealthHandler
	statsHandler        *StatsHandler
	observationsHandler *ObservationsHandler
	teamsHandler        *TeamsHandler
	rankHandler         *RankHandler
	leaderboardHandler  *LeaderboardHandler
	rebuildHandler      *RebuildHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, maxLeaderboardLimit int) *Server {
	return &Server{
		healthHandler:       NewHealthHandler(),
		statsHandler:        NewStatsHandler(statsProvider),
		observationsHandler: NewObservationsHandler(deps),
		teamsHandler:        NewTeamsHandler(deps),
		rankHandler:         NewRankHandler(deps),
		leaderboardHandler:  NewLeaderboardHandler(deps, maxLeaderboardLimit),
		rebuildHandler:      NewRebuildHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("GET /metrics", s.healthHandler.MetricsHandler())
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("POST /observations", MetricsMiddleware(s.observationsHandler.HandlePost, "observations"))
	mux.HandleFunc("DELETE /observations/{event}/{match}/{station}", MetricsMiddleware(s.observationsHandler.HandleDelete, "observations"))
	mux.HandleFunc("GET /teams/{event}/{team}", MetricsMiddleware(s.teamsHandler.HandleGetTeam, "teams"))
	mux.HandleFunc("GET /rank/{event}/{team}", MetricsMiddleware(s.rankHandler.HandleGetRank, "rank"))
	mux.HandleFunc("GET /leaderboard/{event}", MetricsMiddleware(s.leaderboardHandler.HandleGetLeaderboard, "leaderboard"))
	mux.HandleFunc("POST /events/{event}/rebuild", MetricsMiddleware(s.rebuildHandler.HandleRebuild, "rebuild"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	if rw, ok := w.(*responseWriter); ok {
		rw.errorCode = code
	}
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError translates errors from the service layer to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err)
	case errors.Is(err, rank.ErrNoData):
		writeError(w, http.StatusNotFound, codeNoData, err)
	case errors.Is(err, model.ErrInvalidRecord), errors.Is(err, model.ErrUnknownField), errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
	case errors.Is(err, service.ErrNotStarted), errors.Is(err, repository.ErrUnavailable), errors.Is(err, lock.ErrNotAcquired):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err)
	}
}

// teamKey reads the {event} and {team} path values.
func teamKey(r *http.Request) (model.TeamKey, error) {
	event := r.PathValue("event")
	n, err := strconv.Atoi(r.PathValue("team"))
	if event == "" || err != nil || n < 1 {
		return model.TeamKey{}, wrapBadRequest("team must be a positive team number")
	}
	return model.TeamKey{EventKey: event, TeamNumber: n}, nil
}

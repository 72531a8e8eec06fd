package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/scouting/internal/adapters/http/api"
	"github.com/okian/scouting/internal/adapters/repository"
	service "github.com/okian/scouting/internal/app"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/rank"
	"github.com/okian/scouting/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// mockDependencies implements api.Dependencies with overridable behaviour.
type mockDependencies struct {
	submitted   []*model.ObservationRecord
	submitRes   service.SubmitResult
	submitErr   error
	removeErr   error
	aggregate   model.TeamEventData
	getErr      error
	ranks       []rank.Result
	boardLimit  int
	boardRef    model.FieldRef
	boardErr    error
	rebuildErr  error
	rebuiltFor  string
	removedWith model.Identity
}

func (m *mockDependencies) Submit(_ context.Context, rec *model.ObservationRecord) (service.SubmitResult, error) {
	m.submitted = append(m.submitted, rec)
	return m.submitRes, m.submitErr
}

func (m *mockDependencies) Remove(_ context.Context, id model.Identity) ([]model.TeamKey, error) {
	m.removedWith = id
	if m.removeErr != nil {
		return nil, m.removeErr
	}
	return []model.TeamKey{{EventKey: id.EventKey, TeamNumber: 254}}, nil
}

func (m *mockDependencies) GetAggregate(_ context.Context, key model.TeamKey) (model.TeamEventData, error) {
	if m.getErr != nil {
		return model.TeamEventData{}, m.getErr
	}
	ted := m.aggregate
	ted.EventKey, ted.TeamNumber = key.EventKey, key.TeamNumber
	return ted, nil
}

func (m *mockDependencies) GetRanks(_ context.Context, _ model.TeamKey, refs []model.FieldRef) ([]rank.Result, error) {
	if m.ranks != nil {
		return m.ranks, nil
	}
	out := make([]rank.Result, len(refs))
	for i, ref := range refs {
		out[i] = rank.Result{Field: ref.String(), Rank: i + 1}
	}
	return out, nil
}

func (m *mockDependencies) Leaderboard(_ context.Context, _ string, ref model.FieldRef, limit int) ([]rank.Entry, error) {
	m.boardRef, m.boardLimit = ref, limit
	if m.boardErr != nil {
		return nil, m.boardErr
	}
	return []rank.Entry{{Rank: 1, TeamNumber: 254, Value: 42}}, nil
}

func (m *mockDependencies) Rebuild(_ context.Context, eventKey string) (service.RebuildResult, error) {
	m.rebuiltFor = eventKey
	return service.RebuildResult{EventKey: eventKey, Teams: 3}, m.rebuildErr
}

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStats() map[string]interface{} {
	return m.stats
}

func newMux(deps api.Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, &mockStatsProvider{stats: map[string]interface{}{"started": true}}, 50).Register(context.Background(), mux)
	return mux
}

func do(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	So(json.NewDecoder(w.Body).Decode(&out), ShouldBeNil)
	return out
}

const validBody = `{"event_key":"2024casj","match_number":3,"station":"red1","team_number":254,
"objective_status":"complete","subjective_status":"no_show","counters":{"tele_high_goal":2}}`

func TestObservationsHandler(t *testing.T) {
	Convey("Given an API server", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("When posting a new record", func() {
			deps.submitRes = service.SubmitResult{Teams: []model.TeamKey{{EventKey: "2024casj", TeamNumber: 254}}}
			w := do(mux, http.MethodPost, "/observations", validBody)

			Convey("Then it should decode statuses and return created", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				So(deps.submitted, ShouldHaveLength, 1)
				So(deps.submitted[0].SubjectiveStatus, ShouldEqual, model.StatusNoShow)
				So(deps.submitted[0].Counters["tele_high_goal"], ShouldEqual, 2)
				So(decode(w)["status"], ShouldEqual, "created")
			})
		})

		Convey("When posting a replacement or a duplicate", func() {
			deps.submitRes = service.SubmitResult{Replaced: true}
			So(do(mux, http.MethodPost, "/observations", validBody).Code, ShouldEqual, http.StatusOK)

			deps.submitRes = service.SubmitResult{Duplicate: true}
			w := do(mux, http.MethodPost, "/observations", validBody)
			So(w.Code, ShouldEqual, http.StatusOK)
			body := decode(w)
			So(body["status"], ShouldEqual, "duplicate")
			So(body["duplicate"], ShouldEqual, true)
		})

		Convey("When posting malformed JSON or an unknown status", func() {
			So(do(mux, http.MethodPost, "/observations", `{"event_key":`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodPost, "/observations", `{"objective_status":"done"}`).Code, ShouldEqual, http.StatusBadRequest)
			So(deps.submitted, ShouldBeEmpty)
		})

		Convey("When the engine rejects or fails the record", func() {
			deps.submitErr = fmt.Errorf("%w: missing station", model.ErrInvalidRecord)
			So(do(mux, http.MethodPost, "/observations", validBody).Code, ShouldEqual, http.StatusBadRequest)

			deps.submitErr = fmt.Errorf("upsert: %w", repository.ErrUnavailable)
			So(do(mux, http.MethodPost, "/observations", validBody).Code, ShouldEqual, http.StatusServiceUnavailable)

			deps.submitErr = errors.New("boom")
			w := do(mux, http.MethodPost, "/observations", validBody)
			So(w.Code, ShouldEqual, http.StatusInternalServerError)
			So(decode(w)["code"], ShouldEqual, "internal_error")
		})

		Convey("When deleting a record", func() {
			w := do(mux, http.MethodDelete, "/observations/2024casj/3/red1", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.removedWith, ShouldResemble, model.Identity{EventKey: "2024casj", MatchNumber: 3, Station: "red1"})

			So(do(mux, http.MethodDelete, "/observations/2024casj/qm3/red1", "").Code, ShouldEqual, http.StatusBadRequest)

			deps.removeErr = fmt.Errorf("remove: %w", repository.ErrNotFound)
			So(do(mux, http.MethodDelete, "/observations/2024casj/3/red1", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When using the wrong method", func() {
			So(do(mux, http.MethodGet, "/observations", "").Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestReadHandlers(t *testing.T) {
	Convey("Given an API server", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("Team aggregates are served with null for missing maxima", func() {
			deps.aggregate = model.TeamEventData{Metrics: map[string]model.Accumulator{"defense": {Total: 3}}}
			w := do(mux, http.MethodGet, "/teams/2024casj/254", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"defense":{"total":3,"avg":0,"max":null}`)

			So(do(mux, http.MethodGet, "/teams/2024casj/frc254", "").Code, ShouldEqual, http.StatusBadRequest)

			deps.getErr = fmt.Errorf("aggregate: %w", repository.ErrNotFound)
			So(do(mux, http.MethodGet, "/teams/2024casj/254", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Ranks accept several fields", func() {
			w := do(mux, http.MethodGet, "/rank/2024casj/254?field=total_points.avg&field=defense.max", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			body := decode(w)
			So(body["ranks"], ShouldHaveLength, 2)

			So(do(mux, http.MethodGet, "/rank/2024casj/254", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodGet, "/rank/2024casj/254?field=total_points", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Per-field rank failures are partial results", func() {
			deps.ranks = []rank.Result{
				{Field: "total_points.avg", Rank: 2, Value: 11},
				{Field: "defense.max", Err: rank.ErrNoData, Error: rank.ErrNoData.Error()},
			}
			w := do(mux, http.MethodGet, "/rank/2024casj/254?field=total_points.avg&field=defense.max", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"error":"no data for field"`)
		})

		Convey("Ranks of an unknown team are not found", func() {
			notFound := fmt.Errorf("rank: %w", repository.ErrNotFound)
			deps.ranks = []rank.Result{{Field: "total_points.avg", Err: notFound, Error: notFound.Error()}}
			So(do(mux, http.MethodGet, "/rank/2024casj/9999?field=total_points.avg", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Leaderboards default the field and cap the limit", func() {
			w := do(mux, http.MethodGet, "/leaderboard/2024casj", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.boardRef.String(), ShouldEqual, "total_points.avg")
			So(deps.boardLimit, ShouldEqual, 50)

			So(do(mux, http.MethodGet, "/leaderboard/2024casj?field=climb_success_rate.ratio&limit=5", "").Code, ShouldEqual, http.StatusOK)
			So(deps.boardLimit, ShouldEqual, 5)

			So(do(mux, http.MethodGet, "/leaderboard/2024casj?limit=0", "").Code, ShouldEqual, http.StatusBadRequest)
			w = do(mux, http.MethodGet, "/leaderboard/2024casj?limit=51", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decode(w)["code"], ShouldEqual, "limit_exceeded")
			So(do(mux, http.MethodGet, "/leaderboard/2024casj?field=points.median", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Rebuild runs for the event in the path", func() {
			w := do(mux, http.MethodPost, "/events/2024casj/rebuild", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.rebuiltFor, ShouldEqual, "2024casj")

			deps.rebuildErr = service.ErrNotStarted
			So(do(mux, http.MethodPost, "/events/2024casj/rebuild", "").Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("Health, stats and metrics are served", func() {
			So(do(mux, http.MethodGet, "/healthz", "").Code, ShouldEqual, http.StatusOK)
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["started"], ShouldEqual, true)

			// Generate at least one sample for the request counter.
			do(mux, http.MethodGet, "/healthz", "")
			w = do(mux, http.MethodGet, "/metrics", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "scouting_")
		})
	})
}

func TestServerEndToEnd(t *testing.T) {
	Convey("Given an API server over a started service", t, func() {
		svc := service.New(service.WithWorkerCount(1))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		mux := http.NewServeMux()
		api.NewServer(svc, svc, 10).Register(ctx, mux)

		post := func(match, team, goals int) int {
			body := fmt.Sprintf(`{"event_key":"2024casj","match_number":%d,"station":"blue1","team_number":%d,
"objective_status":"complete","counters":{"tele_high_goal":%d}}`, match, team, goals)
			return do(mux, http.MethodPost, "/observations", body).Code
		}

		Convey("Records flow through to aggregates, ranks and leaderboards", func() {
			So(post(1, 254, 3), ShouldEqual, http.StatusCreated)
			So(post(2, 254, 7), ShouldEqual, http.StatusCreated)
			So(post(3, 1678, 6), ShouldEqual, http.StatusCreated)
			So(post(2, 254, 2), ShouldEqual, http.StatusOK)

			w := do(mux, http.MethodGet, "/teams/2024casj/254", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var ted model.TeamEventData
			So(json.NewDecoder(w.Body).Decode(&ted), ShouldBeNil)
			So(*ted.Metrics["tele_high_goal"].Max, ShouldEqual, 3)
			So(ted.Metrics["tele_high_goal"].Avg, ShouldEqual, 2.5)

			w = do(mux, http.MethodGet, "/leaderboard/2024casj?field=tele_high_goal.max", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `{"rank":1,"team_number":1678,"value":6}`)

			So(do(mux, http.MethodDelete, "/observations/2024casj/3/blue1", "").Code, ShouldEqual, http.StatusOK)
			w = do(mux, http.MethodGet, "/leaderboard/2024casj?field=tele_high_goal.max", "")
			So(w.Body.String(), ShouldNotContainSubstring, `"team_number":1678`)
			So(w.Body.String(), ShouldContainSubstring, `{"rank":1,"team_number":254,"value":3}`)
			So(do(mux, http.MethodPost, "/events/2024casj/rebuild", "").Code, ShouldEqual, http.StatusOK)
		})
	})
}

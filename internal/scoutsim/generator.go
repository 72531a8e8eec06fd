package scoutsim

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/scoring"
	"github.com/okian/scouting/pkg/logger"
)

// Constants for record generation.
const (
	firstTeamNumber = 100
	maxCounter      = 6
	maxRating       = 5
	noShowPercent   = 8
	otherPercent    = 7
)

// Edit kinds, picked uniformly.
const (
	editRecount = iota
	editReassign
	editStatus
	editRemove
	editDuplicate
	editKinds
)

var stations = []string{"red1", "red2", "red3", "blue1", "blue2", "blue3"}

var statuses = []model.Status{
	model.StatusComplete, model.StatusNoShow, model.StatusFollowUp,
	model.StatusInconclusive, model.StatusMissing,
}

type generator struct {
	cfg   *Config
	rules scoring.Rules
	rng   *rand.Rand
	plan  *Plan
}

// Generate builds a plan: one record per match station, followed by
// cfg.Edits random corrections, reassignments, status changes, removals
// and resends.
func Generate(ctx context.Context, cfg *Config, rules scoring.Rules) *Plan {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &generator{
		cfg:   cfg,
		rules: rules,
		rng:   rand.New(rand.NewSource(seed)), //nolint:gosec // reproducible runs need a seeded source
		plan: &Plan{
			Seed:  seed,
			Steps: make(map[model.Identity][]Step),
			Final: make(map[model.Identity]*model.ObservationRecord),
		},
	}

	for match := 1; match <= cfg.Matches; match++ {
		for _, station := range stations {
			id := model.Identity{EventKey: cfg.EventKey, MatchNumber: match, Station: station}
			g.submit(g.record(id))
		}
	}
	for i := 0; i < cfg.Edits && len(g.plan.Order) > 0; i++ {
		g.edit()
	}

	logger.Get().Info(ctx, "generated plan",
		logger.Any("seed", seed),
		logger.Int("identities", len(g.plan.Order)),
		logger.Int("steps", g.plan.StepCount()),
		logger.Int("remaining", len(g.plan.Final)))
	return g.plan
}

func (g *generator) record(id model.Identity) *model.ObservationRecord {
	rec := &model.ObservationRecord{
		Identity:         id,
		TeamNumber:       g.team(),
		SubmissionID:     uuid.NewString(),
		Scout:            "sim",
		ObjectiveStatus:  g.status(),
		SubjectiveStatus: g.status(),
		Counters:         make(map[string]int),
		Ratings:          make(map[string]float64),
		Climb:            model.ClimbOutcomes[g.rng.Intn(len(model.ClimbOutcomes))],
		AutoLeave:        g.rng.Intn(2) == 0,
		SubmittedAt:      time.Now().UTC(),
	}
	g.recount(rec)
	return rec
}

func (g *generator) team() int {
	return firstTeamNumber + g.rng.Intn(g.cfg.Teams)
}

// status is mostly complete, with a few no-shows and unfinished forms.
func (g *generator) status() model.Status {
	switch n := g.rng.Intn(100); {
	case n < noShowPercent:
		return model.StatusNoShow
	case n < noShowPercent+otherPercent:
		return statuses[2+g.rng.Intn(len(statuses)-2)]
	default:
		return model.StatusComplete
	}
}

func (g *generator) recount(rec *model.ObservationRecord) {
	for _, name := range g.rules.CounterNames() {
		rec.Counters[name] = g.rng.Intn(maxCounter)
	}
	for _, name := range g.rules.Ratings {
		rec.Ratings[name] = float64(1 + g.rng.Intn(maxRating))
	}
}

func (g *generator) edit() {
	id := g.plan.Order[g.rng.Intn(len(g.plan.Order))]
	cur, ok := g.plan.Final[id]
	if !ok {
		// Removed earlier; file it again.
		g.submit(g.record(id))
		return
	}

	next := cur.Clone()
	next.SubmissionID = uuid.NewString()
	switch g.rng.Intn(editKinds) {
	case editRecount:
		g.recount(next)
	case editReassign:
		next.TeamNumber = g.team()
	case editStatus:
		next.ObjectiveStatus = statuses[g.rng.Intn(len(statuses))]
		next.SubjectiveStatus = statuses[g.rng.Intn(len(statuses))]
	case editRemove:
		g.plan.Steps[id] = append(g.plan.Steps[id], Step{Kind: StepRemove, Identity: id})
		delete(g.plan.Final, id)
		return
	case editDuplicate:
		g.plan.Steps[id] = append(g.plan.Steps[id], Step{Kind: StepSubmit, Identity: id, Record: cur, Duplicate: true})
		return
	}
	g.submit(next)
}

func (g *generator) submit(rec *model.ObservationRecord) {
	id := rec.Identity
	if _, seen := g.plan.Steps[id]; !seen {
		g.plan.Order = append(g.plan.Order, id)
	}
	g.plan.Steps[id] = append(g.plan.Steps[id], Step{Kind: StepSubmit, Identity: id, Record: rec})
	g.plan.Final[id] = rec
}

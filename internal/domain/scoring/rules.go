// Package scoring holds the rule table that maps raw observation fields to
// points and describes which metrics an aggregate tracks.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/okian/scouting/internal/domain/model"
)

// Phase is the match period a counted action scores in.
type Phase string

const (
	PhaseAuto   Phase = "auto"
	PhaseTeleop Phase = "teleop"
)

// CounterRule scores one counted action.
type CounterRule struct {
	Phase  Phase   `koanf:"phase" json:"phase" validate:"required,oneof=auto teleop"`
	Points float64 `koanf:"points" json:"points" validate:"gte=0"`
}

// RatioRule defines a derived ratio. Names resolve to counters first and
// to metric totals otherwise; the ratio is the sum of the numerator over
// the sum of the denominator.
type RatioRule struct {
	Numerator   []string `koanf:"numerator" json:"numerator" validate:"min=1,dive,required"`
	Denominator []string `koanf:"denominator" json:"denominator" validate:"min=1,dive,required"`
}

// Rules is the scoring rule table. It is configuration, not computed.
type Rules struct {
	Counters        map[string]CounterRule `koanf:"counters" json:"counters" validate:"required,min=1,dive"`
	Ratings         []string               `koanf:"ratings" json:"ratings" validate:"dive,required"`
	AutoLeavePoints float64                `koanf:"auto_leave_points" json:"auto_leave_points" validate:"gte=0"`
	ClimbPoints     map[string]float64     `koanf:"climb_points" json:"climb_points" validate:"dive,gte=0"`
	Ratios          map[string]RatioRule   `koanf:"ratios" json:"ratios" validate:"dive"`
}

// Metric is one tracked {total, avg, max} field.
type Metric struct {
	Name        string
	Perspective model.Perspective
}

var validate = validator.New()

// DefaultRules returns a two-level goal game with a four-rung climb.
func DefaultRules() Rules {
	return Rules{
		Counters: map[string]CounterRule{
			"auto_low_goal":  {Phase: PhaseAuto, Points: 2},
			"auto_high_goal": {Phase: PhaseAuto, Points: 4},
			"auto_low_miss":  {Phase: PhaseAuto},
			"auto_high_miss": {Phase: PhaseAuto},
			"tele_low_goal":  {Phase: PhaseTeleop, Points: 1},
			"tele_high_goal": {Phase: PhaseTeleop, Points: 2},
			"tele_low_miss":  {Phase: PhaseTeleop},
			"tele_high_miss": {Phase: PhaseTeleop},
		},
		Ratings:         []string{"defense", "agility", "driver_skill"},
		AutoLeavePoints: 2,
		ClimbPoints: map[string]float64{
			string(model.ClimbLow):       4,
			string(model.ClimbMid):       6,
			string(model.ClimbHigh):      10,
			string(model.ClimbTraversal): 15,
		},
		Ratios: map[string]RatioRule{
			"high_goal_accuracy": {
				Numerator:   []string{"auto_high_goal", "tele_high_goal"},
				Denominator: []string{"auto_high_goal", "tele_high_goal", "auto_high_miss", "tele_high_miss"},
			},
			"climb_success_rate": {
				Numerator:   []string{model.CounterClimbSuccesses},
				Denominator: []string{model.CounterClimbAttempts},
			},
			"no_show_rate": {
				Numerator:   []string{model.NoShowCounter(model.PerspectiveObjective)},
				Denominator: []string{model.FormsCounter(model.PerspectiveObjective), model.NoShowCounter(model.PerspectiveObjective)},
			},
		},
	}
}

// Validate checks struct constraints and cross references.
func (r Rules) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	seen := make(map[string]bool)
	for _, m := range r.Metrics() {
		if strings.Contains(m.Name, ".") {
			return fmt.Errorf("%w: metric %q must not contain a dot", ErrInvalidRules, m.Name)
		}
		if seen[m.Name] {
			return fmt.Errorf("%w: metric %q defined twice", ErrInvalidRules, m.Name)
		}
		seen[m.Name] = true
	}
	for outcome := range r.ClimbPoints {
		if !model.ClimbOutcome(outcome).Valid() {
			return fmt.Errorf("%w: unknown climb outcome %q", ErrInvalidRules, outcome)
		}
	}
	for name, ratio := range r.Ratios {
		for _, ref := range append(append([]string{}, ratio.Numerator...), ratio.Denominator...) {
			if !seen[ref] && !knownCounter(ref) {
				return fmt.Errorf("%w: ratio %s references unknown field %q", ErrInvalidRules, name, ref)
			}
		}
	}
	return nil
}

func knownCounter(name string) bool {
	switch name {
	case model.CounterClimbAttempts, model.CounterClimbSuccesses, model.CounterAutoLeave:
		return true
	}
	for _, p := range model.Perspectives {
		if name == model.FormsCounter(p) || name == model.NoShowCounter(p) {
			return true
		}
	}
	for _, c := range model.ClimbOutcomes {
		if name == model.ClimbCounter(c) {
			return true
		}
	}
	return false
}

// CounterNames returns the counted actions in sorted order.
func (r Rules) CounterNames() []string {
	names := make([]string, 0, len(r.Counters))
	for name := range r.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Metrics lists every tracked metric: counted actions and point totals
// belong to the objective pass, ratings to the subjective pass.
func (r Rules) Metrics() []Metric {
	out := make([]Metric, 0, len(r.Counters)+len(model.PointMetrics)+len(r.Ratings))
	for _, name := range r.CounterNames() {
		out = append(out, Metric{Name: name, Perspective: model.PerspectiveObjective})
	}
	for _, name := range model.PointMetrics {
		out = append(out, Metric{Name: name, Perspective: model.PerspectiveObjective})
	}
	for _, name := range r.Ratings {
		out = append(out, Metric{Name: name, Perspective: model.PerspectiveSubjective})
	}
	return out
}

// MetricsFor returns the metric names governed by perspective p.
func (r Rules) MetricsFor(p model.Perspective) []string {
	var out []string
	for _, m := range r.Metrics() {
		if m.Perspective == p {
			out = append(out, m.Name)
		}
	}
	return out
}

// PerspectiveOf returns the perspective of a metric.
func (r Rules) PerspectiveOf(metric string) (model.Perspective, bool) {
	for _, m := range r.Metrics() {
		if m.Name == metric {
			return m.Perspective, true
		}
	}
	return "", false
}

// Score derives the point totals of a record from its raw fields.
func (r Rules) Score(rec *model.ObservationRecord) model.Points {
	var p model.Points
	for name, count := range rec.Counters {
		rule, ok := r.Counters[name]
		if !ok {
			continue
		}
		switch rule.Phase {
		case PhaseAuto:
			p.Auto += float64(count) * rule.Points
		case PhaseTeleop:
			p.Teleop += float64(count) * rule.Points
		}
	}
	if rec.AutoLeave {
		p.Auto += r.AutoLeavePoints
	}
	p.Endgame = r.ClimbPoints[string(rec.Climb.Normalize())]
	p.Total = p.Auto + p.Teleop + p.Endgame
	return p
}

// Derive recomputes every average and ratio of t from its committed
// totals and counters. It is pure arithmetic.
func (r Rules) Derive(t *model.TeamEventData) {
	if t.Metrics == nil {
		t.Metrics = make(map[string]model.Accumulator)
	}
	if t.Ratios == nil {
		t.Ratios = make(map[string]*float64)
	}
	for _, m := range r.Metrics() {
		acc := t.Metrics[m.Name]
		acc.Avg = 0
		if n := t.Counters[model.FormsCounter(m.Perspective)]; n > 0 {
			acc.Avg = acc.Total / n
		}
		t.Metrics[m.Name] = acc
	}
	for name, ratio := range r.Ratios {
		den := r.sum(t, ratio.Denominator)
		if den == 0 {
			t.Ratios[name] = nil
			continue
		}
		t.Ratios[name] = model.Float(r.sum(t, ratio.Numerator) / den)
	}
}

func (r Rules) sum(t *model.TeamEventData, names []string) float64 {
	var s float64
	for _, name := range names {
		if v, ok := t.Counters[name]; ok {
			s += v
			continue
		}
		s += t.Metrics[name].Total
	}
	return s
}

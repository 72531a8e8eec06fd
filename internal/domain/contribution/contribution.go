// Package contribution computes what a single observation record adds to
// its team's aggregate.
package contribution

import (
	"github.com/okian/scouting/internal/domain/delta"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/scoring"
)

// Contribution is the effect of one record from one perspective.
// MaxCandidates always carries the record's own values, also when the
// delta is reversed.
type Contribution struct {
	Delta         delta.Delta
	MaxCandidates map[string]float64
}

// Empty reports whether the contribution changes nothing.
func (c Contribution) Empty() bool {
	return c.Delta.IsZero() && len(c.MaxCandidates) == 0
}

// Calculate returns the contribution of rec for perspective p. Complete
// records add a form, their metric sums and outcome buckets; no-shows add
// only the no-show counter; any other status adds nothing. With reverse
// set every increment is negated.
func Calculate(rec *model.ObservationRecord, p model.Perspective, rules scoring.Rules, reverse bool) Contribution {
	c := Contribution{Delta: delta.New(), MaxCandidates: make(map[string]float64)}
	if rec == nil {
		return c
	}

	switch rec.Status(p) {
	case model.StatusComplete:
		c.Delta.Counters[model.FormsCounter(p)] = 1
		for _, metric := range rules.MetricsFor(p) {
			v := rec.Value(metric)
			c.Delta.Totals[metric] = v
			c.MaxCandidates[metric] = v
		}
		if p == model.PerspectiveObjective {
			objectiveOutcomes(rec, c.Delta)
		}
	case model.StatusNoShow:
		c.Delta.Counters[model.NoShowCounter(p)] = 1
	default:
		return c
	}

	if reverse {
		c.Delta = c.Delta.Negate()
	}
	return c
}

// Record sums the contributions of every perspective of rec.
func Record(rec *model.ObservationRecord, rules scoring.Rules, reverse bool) Contribution {
	out := Contribution{Delta: delta.New(), MaxCandidates: make(map[string]float64)}
	for _, p := range model.Perspectives {
		c := Calculate(rec, p, rules, reverse)
		out.Delta = out.Delta.Add(c.Delta)
		for k, v := range c.MaxCandidates {
			out.MaxCandidates[k] = v
		}
	}
	return out
}

func objectiveOutcomes(rec *model.ObservationRecord, d delta.Delta) {
	d.Counters[model.ClimbCounter(rec.Climb)] = 1
	if rec.Climb.Attempted() {
		d.Counters[model.CounterClimbAttempts] = 1
	}
	if rec.Climb.Succeeded() {
		d.Counters[model.CounterClimbSuccesses] = 1
	}
	if rec.AutoLeave {
		d.Counters[model.CounterAutoLeave] = 1
	}
}

// Fold sums the forward contributions of recs and keeps the largest
// candidate per metric. It is the from-scratch value the incremental
// path must agree with.
func Fold(recs []*model.ObservationRecord, rules scoring.Rules) Contribution {
	out := Contribution{Delta: delta.New(), MaxCandidates: make(map[string]float64)}
	for _, rec := range recs {
		c := Record(rec, rules, false)
		out.Delta = out.Delta.Add(c.Delta)
		for k, v := range c.MaxCandidates {
			if cur, ok := out.MaxCandidates[k]; !ok || v > cur {
				out.MaxCandidates[k] = v
			}
		}
	}
	out.Delta = out.Delta.Compact()
	return out
}

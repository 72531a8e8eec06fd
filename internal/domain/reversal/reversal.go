// Package reversal turns a record replacement into per-team aggregate operations.
package reversal

import (
	"sort"

	"github.com/okian/scouting/internal/domain/contribution"
	"github.com/okian/scouting/internal/domain/delta"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/scoring"
)

// Op is everything one team's aggregate must absorb for a single write.
type Op struct {
	Team  model.TeamKey
	Delta delta.Delta
	Maxes []delta.MaxUpdate
}

// Empty reports whether the op can be skipped.
func (o Op) Empty() bool {
	return o.Delta.IsZero() && len(o.Maxes) == 0
}

// Invalidations returns the invalidated metrics of the op.
func (o Op) Invalidations() []delta.MaxUpdate {
	var out []delta.MaxUpdate
	for _, u := range o.Maxes {
		if u.Kind == delta.KindInvalidated {
			out = append(out, u)
		}
	}
	return out
}

// Plan computes the operations for replacing prev with next. Either may be
// nil: a nil prev is a first submission, a nil next a removal. Empty
// operations are dropped.
func Plan(prev, next *model.ObservationRecord, rules scoring.Rules) []Op {
	var ops []Op
	add := func(op Op) {
		if !op.Empty() {
			ops = append(ops, op)
		}
	}

	switch {
	case prev == nil && next == nil:
		return nil
	case prev == nil:
		fwd := contribution.Record(next, rules, false)
		add(Op{Team: next.Team(), Delta: fwd.Delta.Compact(), Maxes: directs(fwd.MaxCandidates)})
	case next == nil:
		rev := contribution.Record(prev, rules, true)
		add(Op{Team: prev.Team(), Delta: rev.Delta.Compact(), Maxes: invalidations(rev.MaxCandidates)})
	case prev.Team() == next.Team():
		rev := contribution.Record(prev, rules, true)
		fwd := contribution.Record(next, rules, false)
		add(Op{
			Team:  next.Team(),
			Delta: rev.Delta.Add(fwd.Delta).Compact(),
			Maxes: merge(rev.MaxCandidates, fwd.MaxCandidates),
		})
	default:
		// The station was re-assigned to another team: two independent
		// operations, nothing cancels.
		rev := contribution.Record(prev, rules, true)
		fwd := contribution.Record(next, rules, false)
		add(Op{Team: prev.Team(), Delta: rev.Delta.Compact(), Maxes: invalidations(rev.MaxCandidates)})
		add(Op{Team: next.Team(), Delta: fwd.Delta.Compact(), Maxes: directs(fwd.MaxCandidates)})
	}
	return ops
}

// merge decides per metric whether the new candidate alone determines
// the maximum or whether the removed one forces a recompute.
func merge(prev, next map[string]float64) []delta.MaxUpdate {
	var out []delta.MaxUpdate
	for metric, nv := range next {
		pv, had := prev[metric]
		switch {
		case !had || nv > pv:
			out = append(out, delta.Direct(metric, nv))
		case nv < pv:
			out = append(out, delta.Invalidated(metric, pv))
		}
		// equal values leave the maximum untouched
	}
	for metric, pv := range prev {
		if _, ok := next[metric]; !ok {
			out = append(out, delta.Invalidated(metric, pv))
		}
	}
	delta.SortMaxUpdates(out)
	return out
}

func directs(candidates map[string]float64) []delta.MaxUpdate {
	out := make([]delta.MaxUpdate, 0, len(candidates))
	for _, metric := range sortedKeys(candidates) {
		out = append(out, delta.Direct(metric, candidates[metric]))
	}
	return out
}

func invalidations(candidates map[string]float64) []delta.MaxUpdate {
	out := make([]delta.MaxUpdate, 0, len(candidates))
	for _, metric := range sortedKeys(candidates) {
		out = append(out, delta.Invalidated(metric, candidates[metric]))
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package delta defines the immutable change objects applied to team aggregates.
package delta

import "sort"

// Delta is a signed set of increments. Counters are plain tallies
// (forms, no-shows, outcome buckets); Totals are per-metric sums.
// Methods never mutate the receiver.
type Delta struct {
	Counters map[string]float64
	Totals   map[string]float64
}

// New returns an empty delta.
func New() Delta {
	return Delta{
		Counters: make(map[string]float64),
		Totals:   make(map[string]float64),
	}
}

// Add returns d + o, field by field.
func (d Delta) Add(o Delta) Delta {
	out := New()
	for k, v := range d.Counters {
		out.Counters[k] += v
	}
	for k, v := range o.Counters {
		out.Counters[k] += v
	}
	for k, v := range d.Totals {
		out.Totals[k] += v
	}
	for k, v := range o.Totals {
		out.Totals[k] += v
	}
	return out
}

// Negate returns -d.
func (d Delta) Negate() Delta {
	out := New()
	for k, v := range d.Counters {
		out.Counters[k] = -v
	}
	for k, v := range d.Totals {
		out.Totals[k] = -v
	}
	return out
}

// Compact returns d without entries that cancelled to zero.
func (d Delta) Compact() Delta {
	out := New()
	for k, v := range d.Counters {
		if v != 0 {
			out.Counters[k] = v
		}
	}
	for k, v := range d.Totals {
		if v != 0 {
			out.Totals[k] = v
		}
	}
	return out
}

// IsZero reports whether applying d would change nothing.
func (d Delta) IsZero() bool {
	for _, v := range d.Counters {
		if v != 0 {
			return false
		}
	}
	for _, v := range d.Totals {
		if v != 0 {
			return false
		}
	}
	return true
}

// MaxKind tags how a tracked maximum is to be maintained.
type MaxKind int

const (
	// KindDirect raises the stored max to Value if Value is larger.
	KindDirect MaxKind = iota
	// KindInvalidated means a record holding Value was removed; the true
	// max has to be recomputed from the observation store.
	KindInvalidated
)

func (k MaxKind) String() string {
	if k == KindInvalidated {
		return "invalidated"
	}
	return "direct"
}

// MaxUpdate is one per-metric maximum decision.
type MaxUpdate struct {
	Metric string
	Kind   MaxKind
	Value  float64
}

// Direct returns a monotonic raise of metric to v.
func Direct(metric string, v float64) MaxUpdate {
	return MaxUpdate{Metric: metric, Kind: KindDirect, Value: v}
}

// Invalidated returns an invalidation caused by removing value removed.
func Invalidated(metric string, removed float64) MaxUpdate {
	return MaxUpdate{Metric: metric, Kind: KindInvalidated, Value: removed}
}

// SortMaxUpdates orders updates by metric name for deterministic application.
func SortMaxUpdates(updates []MaxUpdate) {
	sort.Slice(updates, func(i, j int) bool { return updates[i].Metric < updates[j].Metric })
}

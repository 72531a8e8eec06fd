package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/scouting/internal/domain/delta"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/pkg/metrics"
)

const memoryStore = "memory"

func observeLatency(store, op string, start time.Time) {
	metrics.RecordStoreLatency(store, op, float64(time.Since(start).Microseconds())/1000)
}

// MemoryObservationStore keeps observation records in a map guarded by a RWMutex.
// Records are cloned on the way in and out.
type MemoryObservationStore struct {
	mu      sync.RWMutex
	records map[model.Identity]*model.ObservationRecord
}

// NewMemoryObservationStore creates an empty store.
func NewMemoryObservationStore() *MemoryObservationStore {
	return &MemoryObservationStore{records: make(map[model.Identity]*model.ObservationRecord)}
}

// Upsert replaces the record stored under rec's identity.
func (s *MemoryObservationStore) Upsert(_ context.Context, rec *model.ObservationRecord) (*model.ObservationRecord, error) {
	defer observeLatency(memoryStore, "upsert", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records[rec.Identity]
	s.records[rec.Identity] = rec.Clone()
	metrics.UpdateObservationsTotal(len(s.records))
	return prev, nil
}

// Delete removes a record and returns it.
func (s *MemoryObservationStore) Delete(_ context.Context, id model.Identity) (*model.ObservationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("observation %s: %w", id, ErrNotFound)
	}
	delete(s.records, id)
	metrics.UpdateObservationsTotal(len(s.records))
	return prev, nil
}

// Get returns a copy of the record stored under id.
func (s *MemoryObservationStore) Get(_ context.Context, id model.Identity) (*model.ObservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("observation %s: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

// FindMax scans the team's complete records for the largest value of metric.
func (s *MemoryObservationStore) FindMax(_ context.Context, team model.TeamKey, metric string, p model.Perspective) (float64, bool, error) {
	defer observeLatency(memoryStore, "find_max", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  float64
		found bool
	)
	for _, rec := range s.records {
		if rec.Team() != team || rec.Status(p) != model.StatusComplete {
			continue
		}
		if v := rec.Value(metric); !found || v > best {
			best, found = v, true
		}
	}
	return best, found, nil
}

// ListTeam returns the team's records ordered by match and station.
func (s *MemoryObservationStore) ListTeam(_ context.Context, team model.TeamKey) ([]*model.ObservationRecord, error) {
	return s.list(func(r *model.ObservationRecord) bool { return r.Team() == team }), nil
}

// ListEvent returns every record of the event ordered by match and station.
func (s *MemoryObservationStore) ListEvent(_ context.Context, eventKey string) ([]*model.ObservationRecord, error) {
	return s.list(func(r *model.ObservationRecord) bool { return r.EventKey == eventKey }), nil
}

func (s *MemoryObservationStore) list(keep func(*model.ObservationRecord) bool) []*model.ObservationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.ObservationRecord, 0)
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchNumber != out[j].MatchNumber {
			return out[i].MatchNumber < out[j].MatchNumber
		}
		return out[i].Station < out[j].Station
	})
	return out
}

// Count returns the number of stored records.
func (s *MemoryObservationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MemoryAggregateStore keeps team event aggregates in a map guarded by a RWMutex.
// Every write is applied under the write lock so concurrent increments never lose updates.
type MemoryAggregateStore struct {
	mu    sync.RWMutex
	teds  map[model.TeamKey]*model.TeamEventData
	clock func() time.Time
}

// NewMemoryAggregateStore creates an empty store.
func NewMemoryAggregateStore(opts ...Option) *MemoryAggregateStore {
	cfg := applyOptions(opts)
	return &MemoryAggregateStore{
		teds:  make(map[model.TeamKey]*model.TeamEventData),
		clock: cfg.clock,
	}
}

// getOrCreate must be called with s.mu held.
func (s *MemoryAggregateStore) getOrCreate(key model.TeamKey) *model.TeamEventData {
	t, ok := s.teds[key]
	if !ok {
		t = model.NewTeamEventData(key)
		s.teds[key] = t
		metrics.UpdateAggregatesTotal(len(s.teds))
	}
	return t
}

// ApplyDelta adds d to the aggregate, creating it if absent.
func (s *MemoryAggregateStore) ApplyDelta(_ context.Context, key model.TeamKey, d delta.Delta) error {
	defer observeLatency(memoryStore, "apply_delta", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.getOrCreate(key)
	for name, v := range d.Counters {
		t.Counters[name] += v
	}
	for name, v := range d.Totals {
		acc := t.Metrics[name]
		acc.Total += v
		t.Metrics[name] = acc
	}
	t.UpdatedAt = s.clock()
	return nil
}

// RaiseMax sets the max of metric to v when v is larger or no max exists.
func (s *MemoryAggregateStore) RaiseMax(_ context.Context, key model.TeamKey, metric string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.getOrCreate(key)
	acc := t.Metrics[metric]
	if acc.Max == nil || v > *acc.Max {
		acc.Max = model.Float(v)
		t.Metrics[metric] = acc
		t.UpdatedAt = s.clock()
	}
	return nil
}

// SetMax overwrites the max of metric.
func (s *MemoryAggregateStore) SetMax(_ context.Context, key model.TeamKey, metric string, v *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.getOrCreate(key)
	acc := t.Metrics[metric]
	acc.Max = nil
	if v != nil {
		acc.Max = model.Float(*v)
	}
	t.Metrics[metric] = acc
	t.UpdatedAt = s.clock()
	return nil
}

// MaxOf returns the stored max of metric, nil when there is none.
func (s *MemoryAggregateStore) MaxOf(_ context.Context, key model.TeamKey, metric string) (*float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teds[key]
	if !ok {
		return nil, fmt.Errorf("aggregate %s: %w", key, ErrNotFound)
	}
	if m := t.Metrics[metric].Max; m != nil {
		return model.Float(*m), nil
	}
	return nil, nil
}

// RecomputeDerived runs d over the committed totals and returns a copy of the result.
func (s *MemoryAggregateStore) RecomputeDerived(_ context.Context, key model.TeamKey, d Deriver) (model.TeamEventData, error) {
	defer observeLatency(memoryStore, "recompute_derived", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teds[key]
	if !ok {
		return model.TeamEventData{}, fmt.Errorf("aggregate %s: %w", key, ErrNotFound)
	}
	d.Derive(t)
	t.UpdatedAt = s.clock()
	return *t.Clone(), nil
}

// MarkStale sets or clears the stale flag.
func (s *MemoryAggregateStore) MarkStale(_ context.Context, key model.TeamKey, stale bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.getOrCreate(key)
	t.Stale = stale
	t.UpdatedAt = s.clock()
	return nil
}

// Delete drops the aggregate. Deleting a missing aggregate is not an error.
func (s *MemoryAggregateStore) Delete(_ context.Context, key model.TeamKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.teds, key)
	metrics.UpdateAggregatesTotal(len(s.teds))
	return nil
}

// Get returns a copy of the aggregate.
func (s *MemoryAggregateStore) Get(_ context.Context, key model.TeamKey) (model.TeamEventData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teds[key]
	if !ok {
		return model.TeamEventData{}, fmt.Errorf("aggregate %s: %w", key, ErrNotFound)
	}
	return *t.Clone(), nil
}

// ListEvent returns copies of the event's aggregates ordered by team number.
func (s *MemoryAggregateStore) ListEvent(_ context.Context, eventKey string) ([]model.TeamEventData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TeamEventData, 0)
	for key, t := range s.teds {
		if key.EventKey == eventKey {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamNumber < out[j].TeamNumber })
	return out, nil
}

// CountGreater counts the event's aggregates holding a value for ref strictly above value.
func (s *MemoryAggregateStore) CountGreater(_ context.Context, eventKey string, ref model.FieldRef, value float64) (int, error) {
	defer observeLatency(memoryStore, "count_greater", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for key, t := range s.teds {
		if key.EventKey != eventKey {
			continue
		}
		if v, ok := t.Lookup(ref); ok && v > value {
			n++
		}
	}
	return n, nil
}

// Count returns the number of stored aggregates.
func (s *MemoryAggregateStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.teds)
}

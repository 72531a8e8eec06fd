// Package rank computes a team's ordinal position among its event peers.
package rank

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/okian/scouting/internal/domain/model"
)

// Sentinel kinds for rank errors.
var (
	ErrNoData = errors.New("no data for field")
)

// maxConcurrentMetrics bounds the goroutines spawned by one Ranks call.
const maxConcurrentMetrics = 8

// Source provides the aggregate reads a rank needs.
type Source interface {
	Get(ctx context.Context, key model.TeamKey) (model.TeamEventData, error)
	// CountGreater counts aggregates of the event whose value for ref is
	// strictly greater than value.
	CountGreater(ctx context.Context, eventKey string, ref model.FieldRef, value float64) (int, error)
}

// Result is the rank of one field. Err is set instead of failing the
// whole request when that one field could not be ranked.
type Result struct {
	Field string  `json:"field"`
	Rank  int     `json:"rank,omitempty"`
	Value float64 `json:"value"`
	Err   error   `json:"-"`
	Error string  `json:"error,omitempty"`
}

// Calculator ranks teams by aggregate fields.
type Calculator struct {
	source Source
}

// NewCalculator creates a calculator reading from source.
func NewCalculator(source Source) *Calculator {
	return &Calculator{source: source}
}

// Rank returns 1 + the number of peers with a strictly greater value.
// Ties share a rank.
func (c *Calculator) Rank(ctx context.Context, key model.TeamKey, ref model.FieldRef) (Result, error) {
	res := Result{Field: ref.String()}
	ted, err := c.source.Get(ctx, key)
	if err != nil {
		return res, fmt.Errorf("rank %s: %w", ref, err)
	}
	v, ok := ted.Lookup(ref)
	if !ok {
		return res, fmt.Errorf("rank %s for %s: %w", ref, key, ErrNoData)
	}
	greater, err := c.source.CountGreater(ctx, key.EventKey, ref, v)
	if err != nil {
		return res, fmt.Errorf("rank %s: %w", ref, err)
	}
	res.Rank = greater + 1
	res.Value = v
	return res, nil
}

// Ranks ranks several fields concurrently. Each field is independent; a
// failure is reported on its own Result and never cancels the others.
func (c *Calculator) Ranks(ctx context.Context, key model.TeamKey, refs []model.FieldRef) []Result {
	out := make([]Result, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentMetrics)
	for i, ref := range refs {
		g.Go(func() error {
			res, err := c.Rank(gctx, key, ref)
			if err != nil {
				res.Err = err
				res.Error = err.Error()
			}
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Entry is one row of an event standing.
type Entry struct {
	Rank       int     `json:"rank"`
	TeamNumber int     `json:"team_number"`
	Value      float64 `json:"value"`
}

// Standings orders teds by ref, highest first, and assigns ranks with the
// same rule as Rank. Teams with no data for ref are left out.
func Standings(teds []model.TeamEventData, ref model.FieldRef) []Entry {
	entries := make([]Entry, 0, len(teds))
	for i := range teds {
		if v, ok := teds[i].Lookup(ref); ok {
			entries = append(entries, Entry{TeamNumber: teds[i].TeamNumber, Value: v})
		}
	}
	sortEntries(entries)
	assignRanksWithTies(entries)
	return entries
}

// sortEntries sorts by value descending, then team number ascending.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Value != entries[j].Value {
			return entries[i].Value > entries[j].Value
		}
		return entries[i].TeamNumber < entries[j].TeamNumber
	})
}

// assignRanksWithTies gives equal values the same rank and skips the
// positions they occupy, so a rank is always 1 + the count of strictly
// greater values.
func assignRanksWithTies(entries []Entry) {
	for i := range entries {
		if i > 0 && entries[i].Value == entries[i-1].Value {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
}

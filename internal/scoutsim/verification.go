package scoutsim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/okian/scouting/internal/domain/contribution"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/scoring"
	"github.com/okian/scouting/pkg/logger"
)

const (
	epsilon          = 1e-6
	leaderboardField = "total_points.avg"
	maxLeaderboard   = 100
)

// Expected folds the plan's remaining records per team.
func Expected(plan *Plan, rules scoring.Rules) map[model.TeamKey]contribution.Contribution {
	byTeam := make(map[model.TeamKey][]*model.ObservationRecord)
	for _, rec := range plan.Final {
		scored := rec.Clone()
		scored.Points = rules.Score(scored)
		byTeam[rec.Team()] = append(byTeam[rec.Team()], scored)
	}
	out := make(map[model.TeamKey]contribution.Contribution, len(byTeam))
	for key, recs := range byTeam {
		out[key] = contribution.Fold(recs, rules)
	}
	return out
}

// Verify fetches every simulated team and compares it with the fold of its
// remaining records, then checks the leaderboard ordering.
func Verify(ctx context.Context, cfg *Config, client *Client, plan *Plan, rules scoring.Rules, stats *Stats) error {
	log := logger.Named("scoutsim")
	expected := Expected(plan, rules)

	var errs []error
	for n := firstTeamNumber; n < firstTeamNumber+cfg.Teams; n++ {
		key := model.TeamKey{EventKey: cfg.EventKey, TeamNumber: n}
		want := expected[key]

		ted, err := client.Team(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			if !want.Empty() {
				errs = append(errs, fmt.Errorf("%w: %s missing", ErrMismatch, key))
			}
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("fetch %s: %w", key, err))
			continue
		}

		stats.TeamsVerified++
		if diffs := Compare(ted, want, rules); len(diffs) > 0 {
			stats.Mismatches++
			for _, d := range diffs {
				log.Warn(ctx, "aggregate mismatch", logger.Stringer("team", key), logger.String("diff", d))
			}
			errs = append(errs, fmt.Errorf("%w: %s: %d fields differ", ErrMismatch, key, len(diffs)))
		}
	}

	if err := verifyLeaderboard(ctx, cfg, client); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Compare lists every field where ted disagrees with want.
func Compare(ted model.TeamEventData, want contribution.Contribution, rules scoring.Rules) []string {
	var diffs []string
	if ted.Stale {
		diffs = append(diffs, "aggregate is stale")
	}

	names := make(map[string]struct{})
	for name := range ted.Counters {
		names[name] = struct{}{}
	}
	for name := range want.Delta.Counters {
		names[name] = struct{}{}
	}
	for name := range names {
		if got, exp := ted.Counters[name], want.Delta.Counters[name]; math.Abs(got-exp) > epsilon {
			diffs = append(diffs, fmt.Sprintf("counter %s: got %v want %v", name, got, exp))
		}
	}

	for _, m := range rules.Metrics() {
		acc := ted.Metrics[m.Name]
		if exp := want.Delta.Totals[m.Name]; math.Abs(acc.Total-exp) > epsilon {
			diffs = append(diffs, fmt.Sprintf("%s.total: got %v want %v", m.Name, acc.Total, exp))
		}
		exp, ok := want.MaxCandidates[m.Name]
		switch {
		case ok && acc.Max == nil:
			diffs = append(diffs, fmt.Sprintf("%s.max: got null want %v", m.Name, exp))
		case !ok && acc.Max != nil:
			diffs = append(diffs, fmt.Sprintf("%s.max: got %v want null", m.Name, *acc.Max))
		case ok && *acc.Max != exp:
			diffs = append(diffs, fmt.Sprintf("%s.max: got %v want %v", m.Name, *acc.Max, exp))
		}
	}
	return diffs
}

// verifyLeaderboard checks the standings are ordered and ranked with ties
// sharing a rank.
func verifyLeaderboard(ctx context.Context, cfg *Config, client *Client) error {
	entries, err := client.Leaderboard(ctx, cfg.EventKey, leaderboardField, min(cfg.Teams, maxLeaderboard))
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}
	for i, e := range entries {
		if i == 0 {
			if e.Rank != 1 {
				return fmt.Errorf("%w: leaderboard starts at rank %d", ErrMismatch, e.Rank)
			}
			continue
		}
		prev := entries[i-1]
		switch {
		case e.Value > prev.Value:
			return fmt.Errorf("%w: leaderboard not sorted at %d", ErrMismatch, i)
		case e.Value == prev.Value && e.Rank != prev.Rank:
			return fmt.Errorf("%w: tie at %d ranked %d and %d", ErrMismatch, i, prev.Rank, e.Rank)
		case e.Value < prev.Value && e.Rank != i+1:
			return fmt.Errorf("%w: entry %d ranked %d", ErrMismatch, i, e.Rank)
		}
	}
	logger.Named("scoutsim").Info(ctx, "leaderboard verified", logger.Int("entries", len(entries)))
	return nil
}

package service

import (
	"context"
	"fmt"

	"github.com/okian/scouting/internal/adapters/repository"
	"github.com/okian/scouting/internal/domain/delta"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/scoring"
	"github.com/okian/scouting/pkg/logger"
	"github.com/okian/scouting/pkg/metrics"
)

// MaxRecomputer resolves invalidated maxima by reading the true maximum
// back from the observation store and writing it unconditionally.
type MaxRecomputer struct {
	observations repository.ObservationStore
	aggregates   repository.AggregateStore
	rules        scoring.Rules
	logger       logger.Logger
}

// NewMaxRecomputer creates a recomputer over the two stores.
func NewMaxRecomputer(obs repository.ObservationStore, agg repository.AggregateStore, rules scoring.Rules, l logger.Logger) *MaxRecomputer {
	return &MaxRecomputer{observations: obs, aggregates: agg, rules: rules, logger: l}
}

// Resolve recomputes every invalidation in updates and returns the ones
// that failed. The caller holds the team lock.
func (r *MaxRecomputer) Resolve(ctx context.Context, key model.TeamKey, updates []delta.MaxUpdate) []delta.MaxUpdate {
	var failed []delta.MaxUpdate
	for _, u := range updates {
		if u.Kind != delta.KindInvalidated {
			continue
		}
		if err := r.Recompute(ctx, key, u.Metric, u.Value); err != nil {
			metrics.RecordMaxRecompute("failed")
			r.logger.Warn(ctx, "max recompute failed",
				logger.Stringer("team", key),
				logger.String("metric", u.Metric),
				logger.Float64("removed", u.Value),
				logger.Error(err))
			failed = append(failed, u)
		}
	}
	return failed
}

// Recompute repairs one maximum after a record holding removed was
// withdrawn. A stored max above removed cannot have come from that record
// and is kept. With no complete record left the max becomes nil.
func (r *MaxRecomputer) Recompute(ctx context.Context, key model.TeamKey, metric string, removed float64) error {
	cur, err := r.aggregates.MaxOf(ctx, key, metric)
	if err != nil {
		return fmt.Errorf("read max %s of %s: %w", metric, key, err)
	}
	if cur != nil && *cur > removed {
		metrics.RecordMaxRecompute("skipped")
		return nil
	}

	p, ok := r.rules.PerspectiveOf(metric)
	if !ok {
		return fmt.Errorf("recompute %s: %w", metric, model.ErrUnknownField)
	}
	v, found, err := r.observations.FindMax(ctx, key, metric, p)
	if err != nil {
		return fmt.Errorf("find max %s of %s: %w", metric, key, err)
	}
	var next *float64
	if found {
		next = model.Float(v)
	}
	if err := r.aggregates.SetMax(ctx, key, metric, next); err != nil {
		return fmt.Errorf("set max %s of %s: %w", metric, key, err)
	}
	metrics.RecordMaxRecompute("recomputed")
	return nil
}

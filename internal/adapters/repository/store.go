// Package repository defines the observation and aggregate stores and their
// in-memory and PostgreSQL implementations.
package repository

import (
	"context"

	"github.com/okian/scouting/internal/domain/delta"
	"github.com/okian/scouting/internal/domain/model"
)

// ObservationStore keeps observation records by natural key.
type ObservationStore interface {
	// Upsert replaces the record stored under rec's identity and returns the
	// previous version, or nil on first submission.
	Upsert(ctx context.Context, rec *model.ObservationRecord) (*model.ObservationRecord, error)
	// Delete removes a record and returns it. ErrNotFound if absent.
	Delete(ctx context.Context, id model.Identity) (*model.ObservationRecord, error)
	Get(ctx context.Context, id model.Identity) (*model.ObservationRecord, error)
	// FindMax returns the largest value of metric among records of team whose
	// status for perspective p is complete. ok is false when none exist.
	FindMax(ctx context.Context, team model.TeamKey, metric string, p model.Perspective) (v float64, ok bool, err error)
	ListTeam(ctx context.Context, team model.TeamKey) ([]*model.ObservationRecord, error)
	ListEvent(ctx context.Context, eventKey string) ([]*model.ObservationRecord, error)
}

// Deriver recomputes derived averages and ratios in place.
type Deriver interface {
	Derive(t *model.TeamEventData)
}

// AggregateStore keeps one TeamEventData per (event, team). Only the engine
// writes to it.
type AggregateStore interface {
	// ApplyDelta atomically adds d, creating the aggregate if absent.
	ApplyDelta(ctx context.Context, key model.TeamKey, d delta.Delta) error
	// RaiseMax sets the max of metric to v if v is larger or no max exists.
	RaiseMax(ctx context.Context, key model.TeamKey, metric string, v float64) error
	// SetMax overwrites the max of metric; nil records "no data".
	SetMax(ctx context.Context, key model.TeamKey, metric string, v *float64) error
	MaxOf(ctx context.Context, key model.TeamKey, metric string) (*float64, error)
	// RecomputeDerived reads the committed totals, runs d and persists the
	// derived values, returning the resulting aggregate.
	RecomputeDerived(ctx context.Context, key model.TeamKey, d Deriver) (model.TeamEventData, error)
	MarkStale(ctx context.Context, key model.TeamKey, stale bool) error
	Delete(ctx context.Context, key model.TeamKey) error

	Get(ctx context.Context, key model.TeamKey) (model.TeamEventData, error)
	ListEvent(ctx context.Context, eventKey string) ([]model.TeamEventData, error)
	CountGreater(ctx context.Context, eventKey string, ref model.FieldRef, value float64) (int, error)
}

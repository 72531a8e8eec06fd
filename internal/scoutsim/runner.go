package scoutsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/scouting/internal/domain/scoring"
	"github.com/okian/scouting/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0750
	filePermission      = 0600
)

// ErrMismatch is returned when an aggregate disagrees with the fold of
// its remaining records.
var ErrMismatch = errors.New("aggregate mismatch")

// Run executes a complete simulation against cfg.BaseURL. The service is
// expected to score with rules.
func Run(ctx context.Context, cfg *Config, rules scoring.Rules) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	log := logger.Named("scoutsim")

	log.Info(ctx, "starting simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("event", cfg.EventKey),
		logger.Int("teams", cfg.Teams),
		logger.Int("matches", cfg.Matches),
		logger.Int("edits", cfg.Edits),
		logger.Int("workers", cfg.Workers))

	client := NewClient(cfg.BaseURL, cfg.Timeout)
	if err := client.Health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	plan := Generate(ctx, cfg, rules)
	stats.StepsGenerated = plan.StepCount()

	if err := submitPlan(ctx, cfg, client, plan, stats); err != nil {
		return stats, fmt.Errorf("submission failed: %w", err)
	}

	if cfg.OutputFile != "" {
		if err := savePlan(cfg.OutputFile, plan); err != nil {
			log.Warn(ctx, "failed to save plan", logger.Error(err))
		}
	}

	verifyErr := Verify(ctx, cfg, client, plan, rules, stats)

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, stats)

	if verifyErr != nil {
		return stats, verifyErr
	}
	if stats.Failed > 0 {
		return stats, fmt.Errorf("%d requests failed", stats.Failed)
	}
	log.Info(ctx, "simulation completed successfully")
	return stats, nil
}

// submitPlan sends every step. Identities are spread over the workers;
// the steps of one identity are sent in order by a single worker.
func submitPlan(ctx context.Context, cfg *Config, client *Client, plan *Plan, stats *Stats) error {
	var submitted, created, replaced, duplicates, removed, failed atomic.Int64
	log := logger.Named("scoutsim")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Workers, 1))
	for _, id := range plan.Order {
		steps := plan.Steps[id]
		g.Go(func() error {
			for _, step := range steps {
				if err := gctx.Err(); err != nil {
					return err
				}
				var (
					status string
					err    error
				)
				switch step.Kind {
				case StepRemove:
					err = client.Remove(gctx, step.Identity)
					status = "removed"
				default:
					submitted.Add(1)
					status, err = client.Submit(gctx, step.Record)
				}
				if err != nil {
					failed.Add(1)
					if cfg.Verbose {
						log.Warn(gctx, "request failed", logger.Stringer("identity", step.Identity), logger.Error(err))
					}
					continue
				}
				switch status {
				case "created":
					created.Add(1)
				case "replaced":
					replaced.Add(1)
				case "duplicate":
					duplicates.Add(1)
				case "removed":
					removed.Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	stats.Submitted = int(submitted.Load())
	stats.Created = int(created.Load())
	stats.Replaced = int(replaced.Load())
	stats.Duplicates = int(duplicates.Load())
	stats.Removed = int(removed.Load())
	stats.Failed = int(failed.Load())
	return err
}

// savePlan writes the plan's steps, identity by identity, as a JSON array.
func savePlan(filename string, plan *Plan) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	steps := make([]Step, 0, plan.StepCount())
	for _, id := range plan.Order {
		steps = append(steps, plan.Steps[id]...)
	}
	data, err := json.MarshalIndent(struct {
		Seed  int64  `json:"seed"`
		Steps []Step `json:"steps"`
	}{plan.Seed, steps}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := os.WriteFile(filename, data, filePermission); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

// displayFinalStats logs the run statistics.
func displayFinalStats(ctx context.Context, stats *Stats) {
	var stepsPerSecond float64
	if stats.Duration > 0 {
		stepsPerSecond = float64(stats.StepsGenerated) / stats.Duration.Seconds()
	}

	logger.Named("scoutsim").Info(ctx, "final statistics",
		logger.Int("stepsGenerated", stats.StepsGenerated),
		logger.Int("submitted", stats.Submitted),
		logger.Int("created", stats.Created),
		logger.Int("replaced", stats.Replaced),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("removed", stats.Removed),
		logger.Int("failed", stats.Failed),
		logger.Int("teamsVerified", stats.TeamsVerified),
		logger.Int("mismatches", stats.Mismatches),
		logger.Duration("duration", stats.Duration),
		logger.Float64("stepsPerSecond", stepsPerSecond))
}

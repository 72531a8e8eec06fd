// Package scoutsim drives a running scouting service with randomized
// record submissions, corrections and removals, then checks every team
// aggregate against a from-scratch fold of the records it left behind.
package scoutsim

import (
	"time"

	"github.com/okian/scouting/internal/domain/model"
)

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL    string        // Base URL of the service
	EventKey   string        // Event the records are filed under
	Teams      int           // Number of distinct teams
	Matches    int           // Qualification matches, six stations each
	Edits      int           // Corrections, reassignments and removals after the first pass
	Workers    int           // Number of concurrent submitters
	Timeout    time.Duration // HTTP request timeout
	Seed       int64         // Seed for the record generator; zero picks one
	OutputFile string        // File the generated plan is written to; empty skips it
	Verbose    bool          // Log every failed request
}

// StepKind is what a plan step does to its identity.
type StepKind string

const (
	StepSubmit StepKind = "submit"
	StepRemove StepKind = "remove"
)

// Step is one request in a plan. Steps of one identity must be sent in order.
type Step struct {
	Kind     StepKind                 `json:"kind"`
	Identity model.Identity           `json:"identity"`
	Record   *model.ObservationRecord `json:"record,omitempty"`
	// Duplicate marks a resend of an earlier submission ID.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Plan is a generated run: the steps grouped per identity and the records
// expected to remain once every step has been applied.
type Plan struct {
	Seed  int64
	Steps map[model.Identity][]Step
	Final map[model.Identity]*model.ObservationRecord
	Order []model.Identity
}

// StepCount returns the number of requests in the plan.
func (p *Plan) StepCount() int {
	n := 0
	for _, steps := range p.Steps {
		n += len(steps)
	}
	return n
}

// Stats holds run statistics.
type Stats struct {
	StepsGenerated int
	Submitted      int
	Created        int
	Replaced       int
	Duplicates     int
	Removed        int
	Failed         int
	TeamsVerified  int
	Mismatches     int
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
}

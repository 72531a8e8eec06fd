package model

import "time"

// RecomputeJob asks for the maximum of one metric of one team to be read
// back from the observation store after an inline recompute failed. The
// metric's perspective comes from the rule table of the consuming engine.
type RecomputeJob struct {
	Key    TeamKey
	Metric string
	// Removed is the value whose withdrawal invalidated the stored maximum.
	Removed    float64
	Attempt    int
	EnqueuedAt time.Time
}

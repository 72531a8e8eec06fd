// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the review state of one perspective of an observation record.
type Status int

const (
	StatusMissing Status = iota
	StatusComplete
	StatusFollowUp
	StatusNoShow
	StatusInconclusive
)

var statusNames = map[Status]string{
	StatusMissing:      "missing",
	StatusComplete:     "complete",
	StatusFollowUp:     "follow_up",
	StatusNoShow:       "no_show",
	StatusInconclusive: "inconclusive",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Contributing reports whether records in this status are folded into aggregates.
// Only complete records add metrics; no-shows add to the no-show counter.
func (s Status) Contributing() bool {
	return s == StatusComplete || s == StatusNoShow
}

// ParseStatus accepts the lower-case names produced by String. Empty means missing.
func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return StatusMissing, nil
	}
	for s, name := range statusNames {
		if name == v {
			return s, nil
		}
	}
	return StatusMissing, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, v)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Perspective names the scouting pass a status and its metrics belong to.
type Perspective string

const (
	// PerspectiveObjective is the field-observation pass: counted actions, climb, points.
	PerspectiveObjective Perspective = "objective"
	// PerspectiveSubjective is the evaluation pass: ratings.
	PerspectiveSubjective Perspective = "subjective"
)

// Perspectives lists every perspective in a stable order.
var Perspectives = []Perspective{PerspectiveObjective, PerspectiveSubjective}

// ClimbOutcome is the endgame result bucket.
type ClimbOutcome string

const (
	ClimbNone      ClimbOutcome = "none"
	ClimbFailed    ClimbOutcome = "failed"
	ClimbLow       ClimbOutcome = "low"
	ClimbMid       ClimbOutcome = "mid"
	ClimbHigh      ClimbOutcome = "high"
	ClimbTraversal ClimbOutcome = "traversal"
)

// ClimbOutcomes lists every outcome in ascending order.
var ClimbOutcomes = []ClimbOutcome{ClimbNone, ClimbFailed, ClimbLow, ClimbMid, ClimbHigh, ClimbTraversal}

// Valid reports whether c is a known outcome. The empty value is treated as none.
func (c ClimbOutcome) Valid() bool {
	if c == "" {
		return true
	}
	for _, o := range ClimbOutcomes {
		if o == c {
			return true
		}
	}
	return false
}

// Normalize maps the empty value to ClimbNone.
func (c ClimbOutcome) Normalize() ClimbOutcome {
	if c == "" {
		return ClimbNone
	}
	return c
}

// Attempted reports whether the robot tried to climb.
func (c ClimbOutcome) Attempted() bool {
	c = c.Normalize()
	return c != ClimbNone
}

// Succeeded reports whether the robot finished on a rung.
func (c ClimbOutcome) Succeeded() bool {
	c = c.Normalize()
	return c != ClimbNone && c != ClimbFailed
}

// Identity is the natural key of an observation record.
// The team number is deliberately not part of it.
type Identity struct {
	EventKey    string `json:"event_key"`
	MatchNumber int    `json:"match_number"`
	Station     string `json:"station"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%s/qm%d/%s", i.EventKey, i.MatchNumber, i.Station)
}

// TeamKey addresses one team at one event.
type TeamKey struct {
	EventKey   string `json:"event_key"`
	TeamNumber int    `json:"team_number"`
}

func (k TeamKey) String() string {
	return fmt.Sprintf("%s/frc%d", k.EventKey, k.TeamNumber)
}

// Point metric names derived from a record by the rule table.
const (
	MetricAutoPoints    = "auto_points"
	MetricTeleopPoints  = "teleop_points"
	MetricEndgamePoints = "endgame_points"
	MetricTotalPoints   = "total_points"
)

// PointMetrics lists the derived point metrics.
var PointMetrics = []string{MetricAutoPoints, MetricTeleopPoints, MetricEndgamePoints, MetricTotalPoints}

// Points holds the derived point totals of one record.
type Points struct {
	Auto    float64 `json:"auto"`
	Teleop  float64 `json:"teleop"`
	Endgame float64 `json:"endgame"`
	Total   float64 `json:"total"`
}

// ObservationRecord is one scouting submission for one team in one match.
type ObservationRecord struct {
	Identity

	TeamNumber   int    `json:"team_number"`
	SubmissionID string `json:"submission_id,omitempty"`
	Scout        string `json:"scout,omitempty"`

	ObjectiveStatus  Status `json:"objective_status"`
	SubjectiveStatus Status `json:"subjective_status"`

	Counters  map[string]int     `json:"counters,omitempty"`
	Ratings   map[string]float64 `json:"ratings,omitempty"`
	Climb     ClimbOutcome       `json:"climb,omitempty"`
	AutoLeave bool               `json:"auto_leave"`

	// Points is filled in from the rule table when the record is accepted.
	Points Points `json:"points"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// Team returns the aggregate key this record contributes to.
func (r *ObservationRecord) Team() TeamKey {
	return TeamKey{EventKey: r.EventKey, TeamNumber: r.TeamNumber}
}

// Status returns the status governing perspective p.
func (r *ObservationRecord) Status(p Perspective) Status {
	if p == PerspectiveSubjective {
		return r.SubjectiveStatus
	}
	return r.ObjectiveStatus
}

// Value returns the record's own value for a metric. Unknown names and
// absent counters or ratings read as zero.
func (r *ObservationRecord) Value(metric string) float64 {
	switch metric {
	case MetricAutoPoints:
		return r.Points.Auto
	case MetricTeleopPoints:
		return r.Points.Teleop
	case MetricEndgamePoints:
		return r.Points.Endgame
	case MetricTotalPoints:
		return r.Points.Total
	}
	if v, ok := r.Counters[metric]; ok {
		return float64(v)
	}
	return r.Ratings[metric]
}

// Validate checks the parts of a record the engine relies on.
func (r *ObservationRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.EventKey) == "":
		return fmt.Errorf("%w: missing event_key", ErrInvalidRecord)
	case r.MatchNumber < 1:
		return fmt.Errorf("%w: match_number must be positive", ErrInvalidRecord)
	case strings.TrimSpace(r.Station) == "":
		return fmt.Errorf("%w: missing station", ErrInvalidRecord)
	case r.TeamNumber < 1:
		return fmt.Errorf("%w: team_number must be positive", ErrInvalidRecord)
	case !r.Climb.Valid():
		return fmt.Errorf("%w: unknown climb outcome %q", ErrInvalidRecord, r.Climb)
	}
	for name, v := range r.Counters {
		if v < 0 {
			return fmt.Errorf("%w: counter %s is negative", ErrInvalidRecord, name)
		}
	}
	for name, v := range r.Ratings {
		if v < 0 {
			return fmt.Errorf("%w: rating %s is negative", ErrInvalidRecord, name)
		}
	}
	return nil
}

// Clone returns a deep copy so stores never share maps with callers.
func (r *ObservationRecord) Clone() *ObservationRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Counters != nil {
		c.Counters = make(map[string]int, len(r.Counters))
		for k, v := range r.Counters {
			c.Counters[k] = v
		}
	}
	if r.Ratings != nil {
		c.Ratings = make(map[string]float64, len(r.Ratings))
		for k, v := range r.Ratings {
			c.Ratings[k] = v
		}
	}
	return &c
}

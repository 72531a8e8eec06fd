package model

import "time"

// Counter names that are not tied to a single metric.
const (
	CounterClimbAttempts  = "climb.attempts"
	CounterClimbSuccesses = "climb.successes"
	CounterAutoLeave      = "auto_leave"
)

// FormsCounter names the contributing-form counter of a perspective.
func FormsCounter(p Perspective) string { return "forms." + string(p) }

// NoShowCounter names the no-show counter of a perspective.
func NoShowCounter(p Perspective) string { return "no_shows." + string(p) }

// ClimbCounter names the bucket counter of a climb outcome.
func ClimbCounter(c ClimbOutcome) string { return "climb." + string(c.Normalize()) }

// Accumulator is the running summary of one metric.
// Max is nil when no contributing record carries the metric.
type Accumulator struct {
	Total float64  `json:"total"`
	Avg   float64  `json:"avg"`
	Max   *float64 `json:"max"`
}

// TeamEventData is the per-team, per-event statistical summary.
type TeamEventData struct {
	EventKey   string                 `json:"event_key"`
	TeamNumber int                    `json:"team_number"`
	Counters   map[string]float64     `json:"counters"`
	Metrics    map[string]Accumulator `json:"metrics"`
	Ratios     map[string]*float64    `json:"ratios"`
	// Stale is set when an update could not be completed and the
	// aggregate needs a rebuild.
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTeamEventData returns an empty aggregate for key.
func NewTeamEventData(key TeamKey) *TeamEventData {
	return &TeamEventData{
		EventKey:   key.EventKey,
		TeamNumber: key.TeamNumber,
		Counters:   make(map[string]float64),
		Metrics:    make(map[string]Accumulator),
		Ratios:     make(map[string]*float64),
	}
}

// Key returns the aggregate key.
func (t *TeamEventData) Key() TeamKey {
	return TeamKey{EventKey: t.EventKey, TeamNumber: t.TeamNumber}
}

// Counter returns a counter value, zero when absent.
func (t *TeamEventData) Counter(name string) float64 {
	return t.Counters[name]
}

// Lookup resolves ref against the aggregate. The second result is false
// when the aggregate holds no data for the field (a nil max or ratio).
func (t *TeamEventData) Lookup(ref FieldRef) (float64, bool) {
	switch ref.Stat {
	case StatCount:
		return t.Counters[ref.Name], true
	case StatTotal:
		return t.Metrics[ref.Name].Total, true
	case StatAvg:
		return t.Metrics[ref.Name].Avg, true
	case StatMax:
		if m := t.Metrics[ref.Name].Max; m != nil {
			return *m, true
		}
	case StatRatio:
		if r := t.Ratios[ref.Name]; r != nil {
			return *r, true
		}
	}
	return 0, false
}

// Clone returns a deep copy.
func (t *TeamEventData) Clone() *TeamEventData {
	c := *t
	c.Counters = make(map[string]float64, len(t.Counters))
	for k, v := range t.Counters {
		c.Counters[k] = v
	}
	c.Metrics = make(map[string]Accumulator, len(t.Metrics))
	for k, v := range t.Metrics {
		if v.Max != nil {
			m := *v.Max
			v.Max = &m
		}
		c.Metrics[k] = v
	}
	c.Ratios = make(map[string]*float64, len(t.Ratios))
	for k, v := range t.Ratios {
		if v != nil {
			r := *v
			v = &r
		}
		c.Ratios[k] = v
	}
	return &c
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

package repository

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/okian/scouting/internal/domain/model"
)

// jsonMap is a JSONB column holding a flat name to value map.
type jsonMap[V any] map[string]V

// Value implements the driver.Valuer interface
func (m jsonMap[V]) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]V(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (m *jsonMap[V]) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
	return json.Unmarshal(b, m)
}

// observationRow is the observations table. metric_values carries every
// metric value of the record so the maximum can be read back in SQL.
type observationRow struct {
	EventKey         string           `gorm:"column:event_key;primaryKey;size:64;index:idx_observations_team,priority:1"`
	MatchNumber      int              `gorm:"column:match_number;primaryKey"`
	Station          string           `gorm:"column:station;primaryKey;size:16"`
	TeamNumber       int              `gorm:"column:team_number;not null;index:idx_observations_team,priority:2"`
	SubmissionID     string           `gorm:"column:submission_id;size:64"`
	Scout            string           `gorm:"column:scout;size:128"`
	ObjectiveStatus  string           `gorm:"column:objective_status;size:16;not null"`
	SubjectiveStatus string           `gorm:"column:subjective_status;size:16;not null"`
	Counters         jsonMap[int]     `gorm:"column:counters;type:jsonb;not null"`
	Ratings          jsonMap[float64] `gorm:"column:ratings;type:jsonb;not null"`
	MetricValues     jsonMap[float64] `gorm:"column:metric_values;type:jsonb;not null"`
	Climb            string           `gorm:"column:climb;size:16"`
	AutoLeave        bool             `gorm:"column:auto_leave"`
	AutoPoints       float64          `gorm:"column:auto_points"`
	TeleopPoints     float64          `gorm:"column:teleop_points"`
	EndgamePoints    float64          `gorm:"column:endgame_points"`
	TotalPoints      float64          `gorm:"column:total_points"`
	SubmittedAt      time.Time        `gorm:"column:submitted_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at"`
}

func (observationRow) TableName() string { return "observations" }

func toObservationRow(rec *model.ObservationRecord) observationRow {
	values := make(jsonMap[float64], len(rec.Counters)+len(rec.Ratings)+len(model.PointMetrics))
	for name := range rec.Counters {
		values[name] = rec.Value(name)
	}
	for name := range rec.Ratings {
		values[name] = rec.Value(name)
	}
	for _, name := range model.PointMetrics {
		values[name] = rec.Value(name)
	}
	return observationRow{
		EventKey:         rec.EventKey,
		MatchNumber:      rec.MatchNumber,
		Station:          rec.Station,
		TeamNumber:       rec.TeamNumber,
		SubmissionID:     rec.SubmissionID,
		Scout:            rec.Scout,
		ObjectiveStatus:  rec.ObjectiveStatus.String(),
		SubjectiveStatus: rec.SubjectiveStatus.String(),
		Counters:         jsonMap[int](rec.Counters),
		Ratings:          jsonMap[float64](rec.Ratings),
		MetricValues:     values,
		Climb:            string(rec.Climb.Normalize()),
		AutoLeave:        rec.AutoLeave,
		AutoPoints:       rec.Points.Auto,
		TeleopPoints:     rec.Points.Teleop,
		EndgamePoints:    rec.Points.Endgame,
		TotalPoints:      rec.Points.Total,
		SubmittedAt:      rec.SubmittedAt,
	}
}

func (r *observationRow) toRecord() (*model.ObservationRecord, error) {
	obj, err := model.ParseStatus(r.ObjectiveStatus)
	if err != nil {
		return nil, err
	}
	subj, err := model.ParseStatus(r.SubjectiveStatus)
	if err != nil {
		return nil, err
	}
	return &model.ObservationRecord{
		Identity:         model.Identity{EventKey: r.EventKey, MatchNumber: r.MatchNumber, Station: r.Station},
		TeamNumber:       r.TeamNumber,
		SubmissionID:     r.SubmissionID,
		Scout:            r.Scout,
		ObjectiveStatus:  obj,
		SubjectiveStatus: subj,
		Counters:         map[string]int(r.Counters),
		Ratings:          map[string]float64(r.Ratings),
		Climb:            model.ClimbOutcome(r.Climb),
		AutoLeave:        r.AutoLeave,
		Points: model.Points{
			Auto:    r.AutoPoints,
			Teleop:  r.TeleopPoints,
			Endgame: r.EndgamePoints,
			Total:   r.TotalPoints,
		},
		SubmittedAt: r.SubmittedAt,
	}, nil
}

// teamEventRow is the header of one aggregate.
type teamEventRow struct {
	EventKey   string    `gorm:"column:event_key;primaryKey;size:64"`
	TeamNumber int       `gorm:"column:team_number;primaryKey"`
	Stale      bool      `gorm:"column:stale;not null;default:false"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (teamEventRow) TableName() string { return "team_event_data" }

// Stat row kinds.
const (
	statCounter = "counter"
	statMetric  = "metric"
	statRatio   = "ratio"
)

// teamStatRow is one counter, metric accumulator or ratio of an aggregate.
// Counters keep their value in total.
type teamStatRow struct {
	EventKey   string   `gorm:"column:event_key;primaryKey;size:64;index:idx_team_event_stats_field,priority:1"`
	TeamNumber int      `gorm:"column:team_number;primaryKey"`
	Kind       string   `gorm:"column:kind;primaryKey;size:8;index:idx_team_event_stats_field,priority:2"`
	Name       string   `gorm:"column:name;primaryKey;size:64;index:idx_team_event_stats_field,priority:3"`
	Total      float64  `gorm:"column:total;not null;default:0"`
	AvgValue   float64  `gorm:"column:avg_value;not null;default:0"`
	MaxValue   *float64 `gorm:"column:max_value"`
	RatioValue *float64 `gorm:"column:ratio_value"`
}

func (teamStatRow) TableName() string { return "team_event_stats" }

// assemble builds aggregates from their header and stat rows.
func assemble(headers []teamEventRow, stats []teamStatRow) []model.TeamEventData {
	index := make(map[model.TeamKey]*model.TeamEventData, len(headers))
	out := make([]*model.TeamEventData, 0, len(headers))
	for _, h := range headers {
		t := model.NewTeamEventData(model.TeamKey{EventKey: h.EventKey, TeamNumber: h.TeamNumber})
		t.Stale = h.Stale
		t.UpdatedAt = h.UpdatedAt
		index[t.Key()] = t
		out = append(out, t)
	}
	for _, s := range stats {
		t, ok := index[model.TeamKey{EventKey: s.EventKey, TeamNumber: s.TeamNumber}]
		if !ok {
			continue
		}
		switch s.Kind {
		case statCounter:
			t.Counters[s.Name] = s.Total
		case statMetric:
			t.Metrics[s.Name] = model.Accumulator{Total: s.Total, Avg: s.AvgValue, Max: s.MaxValue}
		case statRatio:
			t.Ratios[s.Name] = s.RatioValue
		}
	}
	teds := make([]model.TeamEventData, len(out))
	for i, t := range out {
		teds[i] = *t
	}
	return teds
}

// statColumn maps a field stat to its stat row kind and column.
func statColumn(stat model.Stat) (kind, column string, err error) {
	switch stat {
	case model.StatCount:
		return statCounter, "total", nil
	case model.StatTotal:
		return statMetric, "total", nil
	case model.StatAvg:
		return statMetric, "avg_value", nil
	case model.StatMax:
		return statMetric, "max_value", nil
	case model.StatRatio:
		return statRatio, "ratio_value", nil
	}
	return "", "", fmt.Errorf("%w: stat %q", model.ErrUnknownField, stat)
}

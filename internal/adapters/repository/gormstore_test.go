package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/okian/scouting/internal/domain/model"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return db, mock
}

var team = model.TeamKey{EventKey: "2024casj", TeamNumber: 254}

func TestGormObservationStore_FindMax(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormObservationStore(db)

	mock.ExpectQuery(`SELECT MAX\(COALESCE\(\(metric_values->>\$1\)::double precision, 0\)\) AS max_value, COUNT\(\*\) AS records FROM observations WHERE event_key = \$2 AND team_number = \$3 AND objective_status = \$4`).
		WithArgs("total_points", "2024casj", 254, "complete").
		WillReturnRows(sqlmock.NewRows([]string{"max_value", "records"}).AddRow(42.0, 3))

	v, ok, err := store.FindMax(context.Background(), team, "total_points", model.PerspectiveObjective)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42.0, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormObservationStore_FindMaxNoRecords(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormObservationStore(db)

	mock.ExpectQuery(`FROM observations WHERE event_key = \$2 AND team_number = \$3 AND subjective_status = \$4`).
		WithArgs("defense", "2024casj", 254, "complete").
		WillReturnRows(sqlmock.NewRows([]string{"max_value", "records"}).AddRow(nil, 0))

	_, ok, err := store.FindMax(context.Background(), team, "defense", model.PerspectiveSubjective)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormObservationStore_FindMaxUnavailable(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormObservationStore(db)

	mock.ExpectQuery(`SELECT MAX`).WillReturnError(errors.New("connection refused"))

	_, _, err := store.FindMax(context.Background(), team, "total_points", model.PerspectiveObjective)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGormAggregateStore_CountGreater(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormAggregateStore(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "team_event_stats" WHERE event_key = \$1 AND kind = \$2 AND name = \$3 AND avg_value > \$4`).
		WithArgs("2024casj", statMetric, "total_points", 31.5).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := store.CountGreater(context.Background(), "2024casj", model.FieldRef{Name: "total_points", Stat: model.StatAvg}, 31.5)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormAggregateStore_CountGreaterUnknownStat(t *testing.T) {
	db, _ := newMockDB(t)
	store := NewGormAggregateStore(db)

	_, err := store.CountGreater(context.Background(), "2024casj", model.FieldRef{Name: "x", Stat: "median"}, 1)
	assert.ErrorIs(t, err, model.ErrUnknownField)
}

func TestGormAggregateStore_MaxOf(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormAggregateStore(db)

	mock.ExpectQuery(`SELECT \* FROM "team_event_stats" WHERE event_key = \$1 AND team_number = \$2 AND kind = \$3 AND name = \$4 LIMIT`).
		WillReturnRows(sqlmock.NewRows([]string{"event_key", "team_number", "kind", "name", "total", "avg_value", "max_value", "ratio_value"}).
			AddRow("2024casj", 254, statMetric, "total_points", 80.0, 40.0, 55.0, nil))

	m, err := store.MaxOf(context.Background(), team, "total_points")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 55.0, *m)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormAggregateStore_GetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormAggregateStore(db)

	mock.ExpectQuery(`SELECT \* FROM "team_event_data" WHERE event_key = \$1 AND team_number = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"event_key", "team_number", "stale", "updated_at"}))

	_, err := store.Get(context.Background(), team)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObservationRowConversion(t *testing.T) {
	rec := &model.ObservationRecord{
		Identity:         model.Identity{EventKey: "2024casj", MatchNumber: 12, Station: "red2"},
		TeamNumber:       1678,
		ObjectiveStatus:  model.StatusComplete,
		SubjectiveStatus: model.StatusNoShow,
		Counters:         map[string]int{"tele_high_goal": 9},
		Ratings:          map[string]float64{"defense": 3},
		Climb:            model.ClimbHigh,
		Points:           model.Points{Teleop: 18, Endgame: 10, Total: 28},
	}

	row := toObservationRow(rec)
	assert.Equal(t, "complete", row.ObjectiveStatus)
	assert.Equal(t, "no_show", row.SubjectiveStatus)
	assert.Equal(t, 9.0, row.MetricValues["tele_high_goal"])
	assert.Equal(t, 3.0, row.MetricValues["defense"])
	assert.Equal(t, 28.0, row.MetricValues[model.MetricTotalPoints])

	back, err := row.toRecord()
	require.NoError(t, err)
	assert.Equal(t, rec.Identity, back.Identity)
	assert.Equal(t, rec.Counters, back.Counters)
	assert.Equal(t, model.StatusNoShow, back.SubjectiveStatus)
	assert.Equal(t, rec.Points, back.Points)
}

func TestAssemble(t *testing.T) {
	headers := []teamEventRow{{EventKey: "2024casj", TeamNumber: 254, Stale: true}}
	stats := []teamStatRow{
		{EventKey: "2024casj", TeamNumber: 254, Kind: statCounter, Name: "forms.objective", Total: 3},
		{EventKey: "2024casj", TeamNumber: 254, Kind: statMetric, Name: "total_points", Total: 90, AvgValue: 30, MaxValue: model.Float(45)},
		{EventKey: "2024casj", TeamNumber: 254, Kind: statRatio, Name: "climb_success_rate"},
		{EventKey: "2024casj", TeamNumber: 971, Kind: statCounter, Name: "forms.objective", Total: 1},
	}

	teds := assemble(headers, stats)
	require.Len(t, teds, 1)
	assert.True(t, teds[0].Stale)
	assert.Equal(t, 3.0, teds[0].Counters["forms.objective"])
	assert.Equal(t, 45.0, *teds[0].Metrics["total_points"].Max)
	v, ok := teds[0].Lookup(model.FieldRef{Name: "climb_success_rate", Stat: model.StatRatio})
	assert.False(t, ok)
	assert.Zero(t, v)
}

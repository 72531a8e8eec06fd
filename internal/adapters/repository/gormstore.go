package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/okian/scouting/internal/domain/delta"
	"github.com/okian/scouting/internal/domain/model"
)

const postgresStore = "postgres"

// OpenPostgres connects to PostgreSQL through gorm.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", ErrUnavailable, err)
	}
	return db, nil
}

// Migrate creates or updates the observation and aggregate tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&observationRow{}, &teamEventRow{}, &teamStatRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// GormObservationStore keeps observation records in PostgreSQL.
type GormObservationStore struct {
	db *gorm.DB
}

// NewGormObservationStore wraps db.
func NewGormObservationStore(db *gorm.DB) *GormObservationStore {
	return &GormObservationStore{db: db}
}

func identityWhere(id model.Identity) (string, []interface{}) {
	return "event_key = ? AND match_number = ? AND station = ?", []interface{}{id.EventKey, id.MatchNumber, id.Station}
}

// Upsert replaces the record under rec's identity and returns the previous version.
func (s *GormObservationStore) Upsert(ctx context.Context, rec *model.ObservationRecord) (*model.ObservationRecord, error) {
	defer observeLatency(postgresStore, "upsert", time.Now())
	var prev *model.ObservationRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []observationRow
		q, args := identityWhere(rec.Identity)
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(q, args...).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			p, err := rows[0].toRecord()
			if err != nil {
				return err
			}
			prev = p
		}
		row := toObservationRow(rec)
		row.UpdatedAt = time.Now()
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	if err != nil {
		return nil, unavailable("upsert observation", err)
	}
	return prev, nil
}

// Delete removes a record and returns it.
func (s *GormObservationStore) Delete(ctx context.Context, id model.Identity) (*model.ObservationRecord, error) {
	var prev *model.ObservationRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row observationRow
		q, args := identityWhere(id)
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(q, args...).First(&row).Error; err != nil {
			return err
		}
		p, err := row.toRecord()
		if err != nil {
			return err
		}
		prev = p
		return tx.Where(q, args...).Delete(&observationRow{}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("observation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("delete observation", err)
	}
	return prev, nil
}

// Get returns the record stored under id.
func (s *GormObservationStore) Get(ctx context.Context, id model.Identity) (*model.ObservationRecord, error) {
	var row observationRow
	q, args := identityWhere(id)
	err := s.db.WithContext(ctx).Where(q, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("observation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get observation", err)
	}
	return row.toRecord()
}

type maxResult struct {
	MaxValue *float64
	Records  int64
}

// FindMax reads the largest value of metric over the team's complete records.
func (s *GormObservationStore) FindMax(ctx context.Context, team model.TeamKey, metric string, p model.Perspective) (float64, bool, error) {
	defer observeLatency(postgresStore, "find_max", time.Now())
	statusColumn := "objective_status"
	if p == model.PerspectiveSubjective {
		statusColumn = "subjective_status"
	}
	var res maxResult
	err := s.db.WithContext(ctx).Raw(
		"SELECT MAX(COALESCE((metric_values->>?)::double precision, 0)) AS max_value, COUNT(*) AS records "+
			"FROM observations WHERE event_key = ? AND team_number = ? AND "+statusColumn+" = ?",
		metric, team.EventKey, team.TeamNumber, model.StatusComplete.String(),
	).Scan(&res).Error
	if err != nil {
		return 0, false, unavailable("find max", err)
	}
	if res.Records == 0 || res.MaxValue == nil {
		return 0, false, nil
	}
	return *res.MaxValue, true, nil
}

// ListTeam returns the team's records ordered by match and station.
func (s *GormObservationStore) ListTeam(ctx context.Context, team model.TeamKey) ([]*model.ObservationRecord, error) {
	return s.list(ctx, s.db.WithContext(ctx).Where("event_key = ? AND team_number = ?", team.EventKey, team.TeamNumber))
}

// ListEvent returns every record of the event ordered by match and station.
func (s *GormObservationStore) ListEvent(ctx context.Context, eventKey string) ([]*model.ObservationRecord, error) {
	return s.list(ctx, s.db.WithContext(ctx).Where("event_key = ?", eventKey))
}

func (s *GormObservationStore) list(_ context.Context, q *gorm.DB) ([]*model.ObservationRecord, error) {
	var rows []observationRow
	if err := q.Order("match_number, station").Find(&rows).Error; err != nil {
		return nil, unavailable("list observations", err)
	}
	out := make([]*model.ObservationRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GormAggregateStore keeps team event aggregates in PostgreSQL. Increments
// are applied with INSERT ... ON CONFLICT DO UPDATE so concurrent writers
// never lose updates.
type GormAggregateStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormAggregateStore wraps db.
func NewGormAggregateStore(db *gorm.DB, opts ...Option) *GormAggregateStore {
	cfg := applyOptions(opts)
	return &GormAggregateStore{db: db, clock: cfg.clock}
}

var (
	headerKey = []clause.Column{{Name: "event_key"}, {Name: "team_number"}}
	statKey   = []clause.Column{{Name: "event_key"}, {Name: "team_number"}, {Name: "kind"}, {Name: "name"}}
)

// touch creates the header if absent and stamps it.
func (s *GormAggregateStore) touch(tx *gorm.DB, key model.TeamKey) error {
	h := teamEventRow{EventKey: key.EventKey, TeamNumber: key.TeamNumber, UpdatedAt: s.clock()}
	return tx.Clauses(clause.OnConflict{
		Columns:   headerKey,
		DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
	}).Create(&h).Error
}

// ApplyDelta adds d to the aggregate, creating it if absent.
func (s *GormAggregateStore) ApplyDelta(ctx context.Context, key model.TeamKey, d delta.Delta) error {
	defer observeLatency(postgresStore, "apply_delta", time.Now())
	rows := make([]teamStatRow, 0, len(d.Counters)+len(d.Totals))
	for name, v := range d.Counters {
		rows = append(rows, teamStatRow{EventKey: key.EventKey, TeamNumber: key.TeamNumber, Kind: statCounter, Name: name, Total: v})
	}
	for name, v := range d.Totals {
		rows = append(rows, teamStatRow{EventKey: key.EventKey, TeamNumber: key.TeamNumber, Kind: statMetric, Name: name, Total: v})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.touch(tx, key); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   statKey,
			DoUpdates: clause.Assignments(map[string]interface{}{"total": gorm.Expr("team_event_stats.total + excluded.total")}),
		}).Create(&rows).Error
	})
	if err != nil {
		return unavailable("apply delta", err)
	}
	return nil
}

func (s *GormAggregateStore) writeMax(ctx context.Context, key model.TeamKey, metric string, v *float64, expr clause.Expr) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.touch(tx, key); err != nil {
			return err
		}
		row := teamStatRow{EventKey: key.EventKey, TeamNumber: key.TeamNumber, Kind: statMetric, Name: metric, MaxValue: v}
		return tx.Clauses(clause.OnConflict{
			Columns:   statKey,
			DoUpdates: clause.Assignments(map[string]interface{}{"max_value": expr}),
		}).Create(&row).Error
	})
}

// RaiseMax keeps the larger of the stored max and v. GREATEST ignores NULL.
func (s *GormAggregateStore) RaiseMax(ctx context.Context, key model.TeamKey, metric string, v float64) error {
	if err := s.writeMax(ctx, key, metric, model.Float(v), gorm.Expr("GREATEST(team_event_stats.max_value, excluded.max_value)")); err != nil {
		return unavailable("raise max", err)
	}
	return nil
}

// SetMax overwrites the stored max.
func (s *GormAggregateStore) SetMax(ctx context.Context, key model.TeamKey, metric string, v *float64) error {
	if err := s.writeMax(ctx, key, metric, v, gorm.Expr("excluded.max_value")); err != nil {
		return unavailable("set max", err)
	}
	return nil
}

// MaxOf returns the stored max of metric, nil when there is none.
func (s *GormAggregateStore) MaxOf(ctx context.Context, key model.TeamKey, metric string) (*float64, error) {
	var rows []teamStatRow
	err := s.db.WithContext(ctx).
		Where("event_key = ? AND team_number = ? AND kind = ? AND name = ?", key.EventKey, key.TeamNumber, statMetric, metric).
		Limit(1).Find(&rows).Error
	if err != nil {
		return nil, unavailable("max of", err)
	}
	if len(rows) > 0 {
		return rows[0].MaxValue, nil
	}
	var headers int64
	if err := s.db.WithContext(ctx).Model(&teamEventRow{}).
		Where("event_key = ? AND team_number = ?", key.EventKey, key.TeamNumber).Count(&headers).Error; err != nil {
		return nil, unavailable("max of", err)
	}
	if headers == 0 {
		return nil, fmt.Errorf("aggregate %s: %w", key, ErrNotFound)
	}
	return nil, nil
}

func (s *GormAggregateStore) load(tx *gorm.DB, key model.TeamKey, lock bool) (*model.TeamEventData, error) {
	var header teamEventRow
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("event_key = ? AND team_number = ?", key.EventKey, key.TeamNumber).First(&header).Error; err != nil {
		return nil, err
	}
	var stats []teamStatRow
	if err := tx.Where("event_key = ? AND team_number = ?", key.EventKey, key.TeamNumber).Find(&stats).Error; err != nil {
		return nil, err
	}
	teds := assemble([]teamEventRow{header}, stats)
	return &teds[0], nil
}

// RecomputeDerived runs d over the committed totals and persists the averages and ratios.
func (s *GormAggregateStore) RecomputeDerived(ctx context.Context, key model.TeamKey, d Deriver) (model.TeamEventData, error) {
	defer observeLatency(postgresStore, "recompute_derived", time.Now())
	var out model.TeamEventData
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.load(tx, key, true)
		if err != nil {
			return err
		}
		d.Derive(t)
		t.UpdatedAt = s.clock()

		rows := make([]teamStatRow, 0, len(t.Metrics)+len(t.Ratios))
		for name, acc := range t.Metrics {
			rows = append(rows, teamStatRow{EventKey: key.EventKey, TeamNumber: key.TeamNumber, Kind: statMetric, Name: name, Total: acc.Total, AvgValue: acc.Avg, MaxValue: acc.Max})
		}
		for name, r := range t.Ratios {
			rows = append(rows, teamStatRow{EventKey: key.EventKey, TeamNumber: key.TeamNumber, Kind: statRatio, Name: name, RatioValue: r})
		}
		if len(rows) > 0 {
			// Only derived columns are written; totals and maxima stay as committed.
			if err := tx.Clauses(clause.OnConflict{
				Columns:   statKey,
				DoUpdates: clause.AssignmentColumns([]string{"avg_value", "ratio_value"}),
			}).Create(&rows).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&teamEventRow{}).
			Where("event_key = ? AND team_number = ?", key.EventKey, key.TeamNumber).
			Update("updated_at", t.UpdatedAt).Error; err != nil {
			return err
		}
		out = *t
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.TeamEventData{}, fmt.Errorf("aggregate %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.TeamEventData{}, unavailable("recompute derived", err)
	}
	return out, nil
}

// MarkStale sets or clears the stale flag.
func (s *GormAggregateStore) MarkStale(ctx context.Context, key model.TeamKey, stale bool) error {
	h := teamEventRow{EventKey: key.EventKey, TeamNumber: key.TeamNumber, Stale: stale, UpdatedAt: s.clock()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   headerKey,
		DoUpdates: clause.AssignmentColumns([]string{"stale", "updated_at"}),
	}).Create(&h).Error
	if err != nil {
		return unavailable("mark stale", err)
	}
	return nil
}

// Delete drops the aggregate and its stats.
func (s *GormAggregateStore) Delete(ctx context.Context, key model.TeamKey) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		where := "event_key = ? AND team_number = ?"
		if err := tx.Where(where, key.EventKey, key.TeamNumber).Delete(&teamStatRow{}).Error; err != nil {
			return err
		}
		return tx.Where(where, key.EventKey, key.TeamNumber).Delete(&teamEventRow{}).Error
	})
	if err != nil {
		return unavailable("delete aggregate", err)
	}
	return nil
}

// Get returns the aggregate.
func (s *GormAggregateStore) Get(ctx context.Context, key model.TeamKey) (model.TeamEventData, error) {
	t, err := s.load(s.db.WithContext(ctx), key, false)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.TeamEventData{}, fmt.Errorf("aggregate %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.TeamEventData{}, unavailable("get aggregate", err)
	}
	return *t, nil
}

// ListEvent returns the event's aggregates ordered by team number.
func (s *GormAggregateStore) ListEvent(ctx context.Context, eventKey string) ([]model.TeamEventData, error) {
	var headers []teamEventRow
	db := s.db.WithContext(ctx)
	if err := db.Where("event_key = ?", eventKey).Order("team_number").Find(&headers).Error; err != nil {
		return nil, unavailable("list aggregates", err)
	}
	if len(headers) == 0 {
		return []model.TeamEventData{}, nil
	}
	var stats []teamStatRow
	if err := db.Where("event_key = ?", eventKey).Find(&stats).Error; err != nil {
		return nil, unavailable("list aggregates", err)
	}
	return assemble(headers, stats), nil
}

// CountGreater counts the event's aggregates holding a value for ref strictly above value.
func (s *GormAggregateStore) CountGreater(ctx context.Context, eventKey string, ref model.FieldRef, value float64) (int, error) {
	defer observeLatency(postgresStore, "count_greater", time.Now())
	kind, column, err := statColumn(ref.Stat)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.WithContext(ctx).Model(&teamStatRow{}).
		Where("event_key = ? AND kind = ? AND name = ? AND "+column+" > ?", eventKey, kind, ref.Name, value).
		Count(&n).Error
	if err != nil {
		return 0, unavailable("count greater", err)
	}
	return int(n), nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/scouting/internal/adapters/lock"
	"github.com/okian/scouting/internal/adapters/repository"
	"github.com/okian/scouting/internal/domain/contribution"
	"github.com/okian/scouting/internal/domain/dedupe"
	"github.com/okian/scouting/internal/domain/delta"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/rank"
	"github.com/okian/scouting/internal/domain/reversal"
	"github.com/okian/scouting/internal/domain/scoring"
	"github.com/okian/scouting/pkg/logger"
	"github.com/okian/scouting/pkg/metrics"
)

const (
	defaultStoreTimeout = 5 * time.Second
	staleMarkTimeout    = 2 * time.Second
	rebuildConcurrency  = 4
	identityLockPrefix  = "obs:"
	aggregateLockPrefix = "ted:"
)

// RetryQueue accepts recompute jobs that failed inline.
type RetryQueue interface {
	Enqueue(ctx context.Context, j model.RecomputeJob) bool
}

// SubmitResult describes what a submission did.
type SubmitResult struct {
	Identity  model.Identity  `json:"identity"`
	Duplicate bool            `json:"duplicate"`
	Replaced  bool            `json:"replaced"`
	Teams     []model.TeamKey `json:"teams"`
	Points    model.Points    `json:"points"`
}

// RebuildResult describes an event rebuild.
type RebuildResult struct {
	EventKey string `json:"event_key"`
	Records  int    `json:"records"`
	Teams    int    `json:"teams"`
	Removed  int    `json:"removed"`
}

// Engine keeps team event aggregates consistent with the observation store.
// Every write runs under its identity lock and then under the locks of the
// teams it touches, from the store write until its fold completes.
type Engine struct {
	rules        scoring.Rules
	observations repository.ObservationStore
	aggregates   repository.AggregateStore
	locker       lock.Locker
	deduper      dedupe.Deduper
	retries      RetryQueue
	recomputer   *MaxRecomputer
	ranks        *rank.Calculator
	storeTimeout time.Duration
	clock        func() time.Time
	logger       logger.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRules sets the scoring rule table.
func WithRules(r scoring.Rules) EngineOption {
	return func(e *Engine) { e.rules = r }
}

// WithEngineLocker sets the per-key locker.
func WithEngineLocker(l lock.Locker) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithDeduper enables submission ID deduplication.
func WithDeduper(d dedupe.Deduper) EngineOption {
	return func(e *Engine) { e.deduper = d }
}

// WithRetryQueue sets where failed recomputes are sent.
func WithRetryQueue(q RetryQueue) EngineOption {
	return func(e *Engine) { e.retries = q }
}

// WithEngineStoreTimeout bounds the store calls of one pipeline run.
func WithEngineStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithEngineClock overrides the time source for submission stamps.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l logger.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine over the two stores.
func NewEngine(obs repository.ObservationStore, agg repository.AggregateStore, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:        scoring.DefaultRules(),
		observations: obs,
		aggregates:   agg,
		locker:       lock.NewKeyedMutex(),
		storeTimeout: defaultStoreTimeout,
		clock:        time.Now,
		logger:       logger.Get().Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.recomputer = NewMaxRecomputer(obs, agg, e.rules, e.logger)
	e.ranks = rank.NewCalculator(agg)
	return e
}

// Rules returns the rule table in use.
func (e *Engine) Rules() scoring.Rules {
	return e.rules
}

// Submit stores rec under its identity and folds the change into the
// affected aggregates. A redelivered submission ID is acknowledged
// without touching either store.
func (e *Engine) Submit(ctx context.Context, rec *model.ObservationRecord) (SubmitResult, error) {
	if err := rec.Validate(); err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{Identity: rec.Identity}
	if e.deduper != nil && e.deduper.SeenAndRecord(ctx, rec.SubmissionID) {
		metrics.RecordObservationDuplicate()
		res.Duplicate = true
		return res, nil
	}

	next := rec.Clone()
	next.Climb = next.Climb.Normalize()
	next.Points = e.rules.Score(next)
	if next.SubmittedAt.IsZero() {
		next.SubmittedAt = e.clock()
	}
	res.Points = next.Points

	release, err := e.locker.Lock(ctx, identityLockPrefix+next.Identity.String())
	if err != nil {
		e.forget(ctx, next)
		return res, fmt.Errorf("lock %s: %w", next.Identity, err)
	}
	defer release()

	current, err := e.current(ctx, next.Identity)
	if err != nil {
		e.forget(ctx, next)
		return res, err
	}
	keys := []model.TeamKey{next.Team()}
	if current != nil {
		keys = append(keys, current.Team())
	}
	unlock, err := e.lockTeams(ctx, keys...)
	if err != nil {
		e.forget(ctx, next)
		metrics.RecordAggregateError("lock")
		return res, err
	}
	defer unlock()

	sctx, cancel := e.storeContext(ctx)
	prev, err := e.observations.Upsert(sctx, next)
	cancel()
	if err != nil {
		e.forget(ctx, next)
		metrics.RecordAggregateError("upsert")
		return res, fmt.Errorf("upsert %s: %w", next.Identity, err)
	}
	res.Replaced = prev != nil

	teams, err := e.onWritten(ctx, prev, next)
	res.Teams = teams
	if err != nil {
		e.forget(ctx, next)
		return res, err
	}
	return res, nil
}

// Remove deletes the record under id and withdraws its contribution.
func (e *Engine) Remove(ctx context.Context, id model.Identity) ([]model.TeamKey, error) {
	release, err := e.locker.Lock(ctx, identityLockPrefix+id.String())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", id, err)
	}
	defer release()

	current, err := e.current(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("remove %s: %w", id, repository.ErrNotFound)
	}
	unlock, err := e.lockTeams(ctx, current.Team())
	if err != nil {
		metrics.RecordAggregateError("lock")
		return nil, err
	}
	defer unlock()

	sctx, cancel := e.storeContext(ctx)
	prev, err := e.observations.Delete(sctx, id)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", id, err)
	}
	return e.onWritten(ctx, prev, nil)
}

// OnObservationWritten folds the replacement of prev by next into the
// aggregates. Either may be nil. The caller serializes writes of one identity.
func (e *Engine) OnObservationWritten(ctx context.Context, prev, next *model.ObservationRecord) error {
	var keys []model.TeamKey
	for _, r := range []*model.ObservationRecord{prev, next} {
		if r != nil {
			keys = append(keys, r.Team())
		}
	}
	unlock, err := e.lockTeams(ctx, keys...)
	if err != nil {
		metrics.RecordAggregateError("lock")
		return err
	}
	defer unlock()
	_, err = e.onWritten(ctx, prev, next)
	return err
}

// current reads the record stored under id, nil when there is none.
func (e *Engine) current(ctx context.Context, id model.Identity) (*model.ObservationRecord, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	rec, err := e.observations.Get(sctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return rec, nil
}

// lockTeams takes the aggregate locks of keys in key order and returns a
// release for all of them. A record write holds these from the store write
// until its fold completes, so a rebuild of the team sees either both or
// neither.
func (e *Engine) lockTeams(ctx context.Context, keys ...model.TeamKey) (func(), error) {
	names := make([]string, 0, len(keys))
	seen := make(map[model.TeamKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		names = append(names, k.String())
	}
	sort.Strings(names)

	held := make([]lock.Release, 0, len(names))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, name := range names {
		release, err := e.locker.Lock(ctx, aggregateLockPrefix+name)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("lock %s: %w", name, err)
		}
		held = append(held, release)
	}
	return unlock, nil
}

func (e *Engine) onWritten(ctx context.Context, prev, next *model.ObservationRecord) ([]model.TeamKey, error) {
	start := time.Now()
	defer func() {
		metrics.RecordPipelineLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	ops := reversal.Plan(prev, next, e.rules)
	teams := make([]model.TeamKey, 0, len(ops))
	var errs []error
	for _, op := range ops {
		teams = append(teams, op.Team)
		if err := e.apply(ctx, op); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		metrics.RecordObservationProcessed("failed")
		return teams, err
	}
	metrics.RecordObservationProcessed("ok")
	e.logger.Debug(ctx, "observation folded", logger.Int("ops", len(ops)), logger.Any("teams", teams))
	return teams, nil
}

// apply runs one team's operation: increment, maxima, derived values.
// The caller holds the team lock. Failures leave the aggregate marked
// stale; the increment itself is never retried.
func (e *Engine) apply(ctx context.Context, op reversal.Op) error {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	if err := e.aggregates.ApplyDelta(sctx, op.Team, op.Delta); err != nil {
		metrics.RecordAggregateError("increment")
		e.logger.Error(ctx, "aggregate increment failed", logger.Stringer("team", op.Team), logger.Error(err))
		// The record is already stored; resubmitting it would plan nothing.
		e.markStale(ctx, op.Team)
		return fmt.Errorf("apply delta to %s: %w", op.Team, err)
	}
	metrics.RecordAggregateUpdate()

	var pending []delta.MaxUpdate
	for _, u := range op.Maxes {
		if u.Kind != delta.KindDirect {
			continue
		}
		metrics.RecordMaxUpdate(u.Kind.String())
		if err := e.aggregates.RaiseMax(sctx, op.Team, u.Metric, u.Value); err != nil {
			// The record is already stored, so a recompute converges on the same value.
			e.logger.Warn(ctx, "max raise failed", logger.Stringer("team", op.Team), logger.String("metric", u.Metric), logger.Error(err))
			pending = append(pending, delta.Invalidated(u.Metric, u.Value))
		}
	}
	invalidated := op.Invalidations()
	for _, u := range invalidated {
		metrics.RecordMaxUpdate(u.Kind.String())
	}
	pending = append(pending, e.recomputer.Resolve(sctx, op.Team, invalidated)...)
	for _, u := range pending {
		e.scheduleRecompute(ctx, op.Team, u)
	}

	if _, err := e.aggregates.RecomputeDerived(sctx, op.Team, e.rules); err != nil {
		metrics.RecordAggregateError("derive")
		e.logger.Error(ctx, "derived values failed", logger.Stringer("team", op.Team), logger.Error(err))
		e.markStale(ctx, op.Team)
		return fmt.Errorf("recompute derived for %s: %w", op.Team, err)
	}
	return nil
}

// scheduleRecompute hands a failed max to the retry queue, or marks the
// aggregate stale when nothing can take it.
func (e *Engine) scheduleRecompute(ctx context.Context, key model.TeamKey, u delta.MaxUpdate) {
	job := model.RecomputeJob{Key: key, Metric: u.Metric, Removed: u.Value}
	if e.retries != nil && e.retries.Enqueue(context.WithoutCancel(ctx), job) {
		return
	}
	e.logger.Warn(ctx, "max recompute could not be queued", logger.Stringer("team", key), logger.String("metric", u.Metric))
	e.markStale(ctx, key)
}

func (e *Engine) markStale(ctx context.Context, key model.TeamKey) {
	if err := e.MarkStale(ctx, key); err != nil {
		e.logger.Error(ctx, "failed to mark aggregate stale", logger.Stringer("team", key), logger.Error(err))
	}
}

// MarkStale flags the aggregate for rebuild. It outlives a cancelled request.
func (e *Engine) MarkStale(ctx context.Context, key model.TeamKey) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), staleMarkTimeout)
	defer cancel()
	if err := e.aggregates.MarkStale(sctx, key, true); err != nil {
		return fmt.Errorf("mark %s stale: %w", key, err)
	}
	metrics.RecordStaleAggregate()
	return nil
}

// ResolveMax retries one failed recompute under the team lock.
func (e *Engine) ResolveMax(ctx context.Context, job model.RecomputeJob) error { //nolint:gocritic // hugeParam: jobs are passed by value through the queue
	release, err := e.locker.Lock(ctx, aggregateLockPrefix+job.Key.String())
	if err != nil {
		return fmt.Errorf("lock %s: %w", job.Key, err)
	}
	defer release()

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.recomputer.Recompute(sctx, job.Key, job.Metric, job.Removed)
}

// GetAggregate returns the aggregate of one team at one event.
func (e *Engine) GetAggregate(ctx context.Context, key model.TeamKey) (model.TeamEventData, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.aggregates.Get(sctx, key)
}

// GetRank ranks one field of one team among its event peers.
func (e *Engine) GetRank(ctx context.Context, key model.TeamKey, ref model.FieldRef) (rank.Result, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	res, err := e.ranks.Rank(sctx, key, ref)
	if err != nil {
		metrics.RecordRankQuery("failed")
		return res, err
	}
	metrics.RecordRankQuery("ok")
	return res, nil
}

// GetRanks ranks several fields concurrently; failures are per field.
func (e *Engine) GetRanks(ctx context.Context, key model.TeamKey, refs []model.FieldRef) []rank.Result {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	results := e.ranks.Ranks(sctx, key, refs)
	for _, r := range results {
		if r.Err != nil {
			metrics.RecordRankQuery("failed")
			continue
		}
		metrics.RecordRankQuery("ok")
	}
	return results
}

// Leaderboard orders the event's teams by ref. limit <= 0 returns every team.
func (e *Engine) Leaderboard(ctx context.Context, eventKey string, ref model.FieldRef, limit int) ([]rank.Entry, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	teds, err := e.aggregates.ListEvent(sctx, eventKey)
	if err != nil {
		return nil, fmt.Errorf("leaderboard %s: %w", eventKey, err)
	}
	entries := rank.Standings(teds, ref)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Rebuild recomputes every aggregate of an event from the stored records
// and clears stale flags. Each team is rebuilt under its lock from the
// records it holds at that moment. Writes take the same locks around the
// store write and its fold, so intake may continue while it runs.
func (e *Engine) Rebuild(ctx context.Context, eventKey string) (RebuildResult, error) {
	res := RebuildResult{EventKey: eventKey}
	recs, err := e.observations.ListEvent(ctx, eventKey)
	if err != nil {
		return res, fmt.Errorf("rebuild %s: %w", eventKey, err)
	}
	existing, err := e.aggregates.ListEvent(ctx, eventKey)
	if err != nil {
		return res, fmt.Errorf("rebuild %s: %w", eventKey, err)
	}

	teams := make(map[model.TeamKey]bool)
	for _, rec := range recs {
		teams[rec.Team()] = true
	}
	for i := range existing {
		if _, ok := teams[existing[i].Key()]; !ok {
			teams[existing[i].Key()] = false
		}
	}
	keys := make([]model.TeamKey, 0, len(teams))
	for k := range teams {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].TeamNumber < keys[j].TeamNumber })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			return e.rebuildTeam(gctx, key)
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("rebuild %s: %w", eventKey, err)
	}

	res.Records = len(recs)
	for _, hasRecords := range teams {
		if hasRecords {
			res.Teams++
		} else {
			res.Removed++
		}
	}
	e.logger.Info(ctx, "event rebuilt",
		logger.String("event", eventKey),
		logger.Int("records", res.Records),
		logger.Int("teams", res.Teams),
		logger.Int("removed", res.Removed))
	return res, nil
}

func (e *Engine) rebuildTeam(ctx context.Context, key model.TeamKey) error {
	release, err := e.locker.Lock(ctx, aggregateLockPrefix+key.String())
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer release()

	recs, err := e.observations.ListTeam(ctx, key)
	if err != nil {
		return err
	}
	if err := e.aggregates.Delete(ctx, key); err != nil {
		return err
	}
	folded := contribution.Fold(recs, e.rules)
	if folded.Empty() {
		return nil
	}
	if err := e.aggregates.ApplyDelta(ctx, key, folded.Delta); err != nil {
		return err
	}
	for metric, v := range folded.MaxCandidates {
		if err := e.aggregates.SetMax(ctx, key, metric, model.Float(v)); err != nil {
			return err
		}
	}
	_, err = e.aggregates.RecomputeDerived(ctx, key, e.rules)
	return err
}

// forget lets a failed submission be retried under the same ID.
func (e *Engine) forget(ctx context.Context, rec *model.ObservationRecord) {
	if e.deduper != nil && rec.SubmissionID != "" {
		e.deduper.Unrecord(ctx, rec.SubmissionID)
	}
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storeTimeout)
}

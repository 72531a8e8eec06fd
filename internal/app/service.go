// Package service wires the aggregation engine to its stores, locks and
// retry workers and exposes it to the HTTP API.
package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/scouting/internal/adapters/lock"
	recomputequeue "github.com/okian/scouting/internal/adapters/mq/queue"
	workerpool "github.com/okian/scouting/internal/adapters/mq/worker"
	"github.com/okian/scouting/internal/adapters/repository"
	"github.com/okian/scouting/internal/domain/dedupe"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/rank"
	"github.com/okian/scouting/internal/domain/scoring"
	"github.com/okian/scouting/pkg/logger"
)

// Service implements the API dependencies for the scouting aggregation system.
type Service struct {
	mu sync.RWMutex

	// Core components
	engine       *Engine
	observations repository.ObservationStore
	aggregates   repository.AggregateStore
	locker       lock.Locker
	deduper      dedupe.Deduper
	retryQueue   *recomputequeue.InMemoryQueue
	workerPool   *workerpool.Pool
	redisClient  *redis.Client

	// Configuration
	rules          scoring.Rules
	postgresDSN    string
	redisAddr      string
	redisLockTTL   time.Duration
	workerCount    int
	queueSize      int
	dedupeSize     int
	retryLimit     int
	retryPerSecond float64
	retryBackoff   time.Duration
	maxBackoff     time.Duration
	storeTimeout   time.Duration

	// State
	started bool

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of recompute retry workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the recompute retry queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many submission IDs are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithRetryLimit sets the attempts made for one failed recompute.
func WithRetryLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.retryLimit = limit
		}
	}
}

// WithRetryRate paces recompute retries across the worker pool.
func WithRetryRate(perSecond float64) Option {
	return func(s *Service) {
		if perSecond > 0 {
			s.retryPerSecond = perSecond
		}
	}
}

// WithRetryBackoff sets the first retry delay and the cap it doubles up to.
func WithRetryBackoff(initial, maxDelay time.Duration) Option {
	return func(s *Service) {
		if initial > 0 {
			s.retryBackoff = initial
		}
		if maxDelay > 0 {
			s.maxBackoff = maxDelay
		}
	}
}

// WithStoreTimeout bounds the store calls of one pipeline run.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithScoringRules sets the scoring rule table.
func WithScoringRules(r scoring.Rules) Option {
	return func(s *Service) { s.rules = r }
}

// WithPostgres stores records and aggregates in PostgreSQL.
func WithPostgres(dsn string) Option {
	return func(s *Service) { s.postgresDSN = dsn }
}

// WithRedisLock serializes writes through Redis so several instances can share the stores.
func WithRedisLock(addr string, ttl time.Duration) Option {
	return func(s *Service) {
		s.redisAddr = addr
		s.redisLockTTL = ttl
	}
}

// WithStores injects prebuilt stores; they take precedence over WithPostgres.
func WithStores(obs repository.ObservationStore, agg repository.AggregateStore) Option {
	return func(s *Service) {
		if obs != nil && agg != nil {
			s.observations = obs
			s.aggregates = agg
		}
	}
}

// WithLocker injects a locker; it takes precedence over WithRedisLock.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		rules:          scoring.DefaultRules(),
		workerCount:    runtime.NumCPU(),
		queueSize:      10000,
		dedupeSize:     50000,
		retryLimit:     5,
		retryPerSecond: 50,
		storeTimeout:   defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the stores and starts the retry workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	if err := s.rules.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}

	s.logger.Info(ctx, "starting scouting service...")

	if err := s.openStores(ctx); err != nil {
		return err
	}
	if err := s.openLocker(ctx); err != nil {
		return err
	}

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.retryQueue = recomputequeue.NewInMemoryQueue(recomputequeue.WithCapacity(s.queueSize))
	s.engine = NewEngine(s.observations, s.aggregates,
		WithRules(s.rules),
		WithEngineLocker(s.locker),
		WithDeduper(s.deduper),
		WithRetryQueue(s.retryQueue),
		WithEngineStoreTimeout(s.storeTimeout),
		WithEngineLogger(s.logger.Named("engine")),
	)
	s.workerPool = workerpool.NewPool(s.workerCount, s.retryQueue, s.engine,
		workerpool.WithRetryLimit(s.retryLimit),
		workerpool.WithRetryRate(s.retryPerSecond, s.workerCount),
		workerpool.WithRetryBackoff(s.retryBackoff, s.maxBackoff),
		workerpool.WithStaleMarker(s.engine),
	)
	// Workers outlive the start request.
	s.workerPool.Start(context.WithoutCancel(ctx))

	s.started = true
	s.logger.Info(ctx, "scouting service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
	)
	return nil
}

func (s *Service) openStores(ctx context.Context) error {
	switch {
	case s.observations != nil && s.aggregates != nil:
		s.logger.Info(ctx, "using injected stores")
	case s.postgresDSN != "":
		db, err := repository.OpenPostgres(s.postgresDSN)
		if err != nil {
			return err
		}
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		s.observations = repository.NewGormObservationStore(db)
		s.aggregates = repository.NewGormAggregateStore(db)
		s.logger.Info(ctx, "using postgres stores")
	default:
		s.observations = repository.NewMemoryObservationStore()
		s.aggregates = repository.NewMemoryAggregateStore()
		s.logger.Info(ctx, "using in-memory stores")
	}
	return nil
}

func (s *Service) openLocker(ctx context.Context) error {
	switch {
	case s.locker != nil:
	case s.redisAddr != "":
		s.redisClient = redis.NewClient(&redis.Options{Addr: s.redisAddr})
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("%w: redis %s: %v", ErrBadConfig, s.redisAddr, err)
		}
		s.locker = lock.NewRedisLocker(s.redisClient, lock.WithTTL(s.redisLockTTL))
		s.logger.Info(ctx, "using redis locks", logger.String("addr", s.redisAddr))
	default:
		s.locker = lock.NewKeyedMutex()
	}
	return nil
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping scouting service...")

	if s.workerPool != nil {
		if err := s.workerPool.Shutdown(ctx); err != nil {
			s.logger.Error(ctx, "worker pool shutdown failed", logger.Error(err))
		}
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}

	s.started = false
	s.logger.Info(ctx, "scouting service stopped")
}

func (s *Service) running() (*Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.engine, nil
}

// Submit stores an observation and updates the affected aggregates.
func (s *Service) Submit(ctx context.Context, rec *model.ObservationRecord) (SubmitResult, error) {
	e, err := s.running()
	if err != nil {
		return SubmitResult{}, err
	}
	return e.Submit(ctx, rec)
}

// Remove deletes an observation and withdraws its contribution.
func (s *Service) Remove(ctx context.Context, id model.Identity) ([]model.TeamKey, error) {
	e, err := s.running()
	if err != nil {
		return nil, err
	}
	return e.Remove(ctx, id)
}

// GetAggregate returns one team's aggregate.
func (s *Service) GetAggregate(ctx context.Context, key model.TeamKey) (model.TeamEventData, error) {
	e, err := s.running()
	if err != nil {
		return model.TeamEventData{}, err
	}
	return e.GetAggregate(ctx, key)
}

// GetRank ranks one field of one team.
func (s *Service) GetRank(ctx context.Context, key model.TeamKey, ref model.FieldRef) (rank.Result, error) {
	e, err := s.running()
	if err != nil {
		return rank.Result{}, err
	}
	return e.GetRank(ctx, key, ref)
}

// GetRanks ranks several fields of one team.
func (s *Service) GetRanks(ctx context.Context, key model.TeamKey, refs []model.FieldRef) ([]rank.Result, error) {
	e, err := s.running()
	if err != nil {
		return nil, err
	}
	return e.GetRanks(ctx, key, refs), nil
}

// Leaderboard orders an event's teams by one field.
func (s *Service) Leaderboard(ctx context.Context, eventKey string, ref model.FieldRef, limit int) ([]rank.Entry, error) {
	e, err := s.running()
	if err != nil {
		return nil, err
	}
	return e.Leaderboard(ctx, eventKey, ref, limit)
}

// Rebuild recomputes an event's aggregates from the stored records.
func (s *Service) Rebuild(ctx context.Context, eventKey string) (RebuildResult, error) {
	e, err := s.running()
	if err != nil {
		return RebuildResult{}, err
	}
	return e.Rebuild(ctx, eventKey)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
	}
	if !s.started {
		return stats
	}

	stats["retryQueueLength"] = s.retryQueue.Len(context.Background())
	stats["recomputeAttempts"] = s.workerPool.Processed()
	stats["seenSubmissions"] = s.deduper.Size()
	if c, ok := s.observations.(interface{ Count() int }); ok {
		stats["observations"] = c.Count()
	}
	if c, ok := s.aggregates.(interface{ Count() int }); ok {
		stats["aggregates"] = c.Count()
	}
	return stats
}

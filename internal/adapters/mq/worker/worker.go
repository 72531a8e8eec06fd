// Package worker runs background max recompute retries.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/pkg/logger"
	"github.com/okian/scouting/pkg/metrics"
)

const (
	defaultRetryLimit     = 5
	defaultRetryPerSecond = 50
	defaultRetryBackoff   = 50 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	workerShutdownTimeout = 5 * time.Second
	poolShutdownTimeout   = 30 * time.Second
)

// Job abstracts what workers read off the queue.
type Job = model.RecomputeJob

// Resolver reads a maximum back from the observation store and writes it to the aggregate.
type Resolver interface {
	ResolveMax(ctx context.Context, job Job) error
}

// StaleMarker flags an aggregate whose maximum could not be repaired.
type StaleMarker interface {
	MarkStale(ctx context.Context, key model.TeamKey) error
}

// Queue defines how workers receive and requeue jobs.
type Queue interface {
	Enqueue(ctx context.Context, j Job) bool
	Dequeue(ctx context.Context) <-chan Job
}

// Worker processes recompute jobs.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown gracefully stops the worker.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker for processing recompute jobs.
type InMemoryWorker struct {
	jobs       <-chan Job
	queue      Queue
	resolver   Resolver
	stale      StaleMarker
	limiter    *rate.Limiter
	retryLimit int
	backoff    time.Duration
	maxBackoff time.Duration
	name       string
	processed  *atomic.Int64

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, resolver Resolver, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:      q,
		resolver:   resolver,
		limiter:    rate.NewLimiter(rate.Limit(defaultRetryPerSecond), 1),
		retryLimit: defaultRetryLimit,
		backoff:    defaultRetryBackoff,
		maxBackoff: defaultMaxBackoff,
		name:       "worker",
		processed:  new(atomic.Int64),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.jobs
	if jobs == nil {
		jobs = w.queue.Dequeue(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.process(ctx, job); err != nil {
				w.logger.Warn(ctx, "max recompute retry failed",
					logger.Stringer("team", job.Key),
					logger.String("metric", job.Metric),
					logger.Int("attempt", job.Attempt),
					logger.Error(err))
			}
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	close(w.shutdown)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// process runs one attempt. A failed attempt is requeued after an
// exponential delay until the retry limit, after which the aggregate is
// marked stale.
func (w *InMemoryWorker) process(ctx context.Context, job Job) error { //nolint:gocritic // hugeParam: Job is passed by value for channel semantics
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	job.Attempt++
	err := w.resolver.ResolveMax(ctx, job)
	w.processed.Add(1)
	if err == nil {
		metrics.RecordMaxRecompute("retried")
		return nil
	}

	metrics.RecordWorkerError()
	metrics.RecordErrorByComponent("worker", "recompute_error")
	if job.Attempt < w.retryLimit && w.sleep(ctx, w.retryDelay(job.Attempt)) && w.queue.Enqueue(ctx, job) {
		metrics.RecordWorkerRetry()
		return err
	}

	metrics.RecordMaxRecompute("exhausted")
	metrics.RecordErrorByType("recompute_exhausted", "high")
	if w.stale != nil {
		if serr := w.stale.MarkStale(ctx, job.Key); serr != nil {
			w.logger.Error(ctx, "failed to mark aggregate stale",
				logger.Stringer("team", job.Key), logger.Error(serr))
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", job.Attempt, err)
}

// retryDelay returns the jittered wait before attempt+1.
func (w *InMemoryWorker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.backoff
	b.MaxInterval = w.maxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// sleep waits d and reports false when the worker is stopped first.
func (w *InMemoryWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.shutdown:
		return false
	}
}

// Pool manages multiple workers sharing one queue subscription and one rate limiter.
type Pool struct {
	workers   []*InMemoryWorker
	queue     Queue
	processed atomic.Int64
	started   atomic.Bool

	logger logger.Logger
}

// NewPool creates a new worker pool.
func NewPool(workerCount int, q Queue, resolver Resolver, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}

	for i := 0; i < workerCount; i++ {
		w := NewInMemoryWorker(q, resolver, opts...)
		if i > 0 {
			// One limiter for the pool so the retry rate is a pool-wide budget.
			w.limiter = p.workers[0].limiter
		}
		w.processed = &p.processed
		w.name = "worker-" + strconv.Itoa(i)
		w.logger = p.logger.Named(w.name)
		p.workers[i] = w
	}

	return p
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	jobs := p.queue.Dequeue(ctx)
	for _, w := range p.workers {
		w.jobs = jobs
		go w.Run(ctx)
	}
	metrics.UpdateWorkerActiveCount(len(p.workers))
}

// Processed returns how many recompute attempts the pool has made.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Shutdown closes the queue and waits for the workers to stop.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	if !p.started.Load() {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		case <-time.After(workerShutdownTimeout):
			close(w.shutdown)
			<-w.done
		}
	}
	metrics.UpdateWorkerActiveCount(0)
	return nil
}

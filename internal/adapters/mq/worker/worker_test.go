package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	worker "github.com/okian/scouting/internal/adapters/mq/worker"
	model "github.com/okian/scouting/internal/domain/model"
	logging "github.com/okian/scouting/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

type mockQueue struct {
	mu     sync.Mutex
	jobs   chan worker.Job
	closed bool
}

func newMockQueue() *mockQueue {
	return &mockQueue{jobs: make(chan worker.Job, 32)}
}

func (q *mockQueue) Enqueue(_ context.Context, j worker.Job) bool { //nolint:gocritic // hugeParam
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- j:
		return true
	default:
		return false
	}
}

func (q *mockQueue) Dequeue(context.Context) <-chan worker.Job { return q.jobs }

func (q *mockQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}

// mockResolver fails the first failures attempts for every job.
type mockResolver struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	calls    []time.Time
	resolved []worker.Job
}

func newMockResolver(failures int) *mockResolver {
	return &mockResolver{failures: failures, attempts: make(map[string]int)}
}

func (r *mockResolver) ResolveMax(_ context.Context, j worker.Job) error { //nolint:gocritic // hugeParam
	r.mu.Lock()
	defer r.mu.Unlock()
	id := j.Key.String() + "/" + j.Metric
	r.attempts[id]++
	r.calls = append(r.calls, time.Now())
	if r.attempts[id] <= r.failures {
		return errors.New("observation store unavailable")
	}
	r.resolved = append(r.resolved, j)
	return nil
}

func (r *mockResolver) callTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.calls...)
}

func (r *mockResolver) resolvedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resolved)
}

type mockStale struct {
	mu   sync.Mutex
	keys []model.TeamKey
}

func (m *mockStale) MarkStale(_ context.Context, key model.TeamKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

func (m *mockStale) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func job(team int, metric string) worker.Job {
	return worker.Job{
		Key:     model.TeamKey{EventKey: "2024casj", TeamNumber: team},
		Metric:  metric,
		Removed: 7,
	}
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func init() {
	_ = logging.Init()
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given an InMemoryWorker", t, func() {
		q := newMockQueue()
		stale := &mockStale{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		convey.Convey("When the first attempt succeeds", func() {
			r := newMockResolver(0)
			w := worker.NewInMemoryWorker(q, r, worker.WithStaleMarker(stale), worker.WithRetryRate(1000, 10))
			go w.Run(ctx)
			q.Enqueue(ctx, job(254, "teleop_high_goal"))

			convey.So(eventually(func() bool { return r.resolvedCount() == 1 }), convey.ShouldBeTrue)
			convey.So(r.resolved[0].Attempt, convey.ShouldEqual, 1)
			convey.So(stale.count(), convey.ShouldEqual, 0)
		})

		convey.Convey("When attempts fail below the retry limit", func() {
			r := newMockResolver(2)
			w := worker.NewInMemoryWorker(q, r,
				worker.WithStaleMarker(stale), worker.WithRetryLimit(5), worker.WithRetryRate(1000, 10))
			go w.Run(ctx)
			q.Enqueue(ctx, job(1678, "total_points"))

			convey.Convey("Then the job should be requeued until it resolves", func() {
				convey.So(eventually(func() bool { return r.resolvedCount() == 1 }), convey.ShouldBeTrue)
				convey.So(r.resolved[0].Attempt, convey.ShouldEqual, 3)
				convey.So(stale.count(), convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When every attempt fails", func() {
			r := newMockResolver(100)
			w := worker.NewInMemoryWorker(q, r,
				worker.WithStaleMarker(stale), worker.WithRetryLimit(3), worker.WithRetryRate(1000, 10))
			go w.Run(ctx)
			q.Enqueue(ctx, job(971, "auto_points"))

			convey.Convey("Then the aggregate should be marked stale once", func() {
				convey.So(eventually(func() bool { return stale.count() == 1 }), convey.ShouldBeTrue)
				convey.So(stale.keys[0].TeamNumber, convey.ShouldEqual, 971)
				convey.So(r.resolvedCount(), convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When retries back off", func() {
			r := newMockResolver(3)
			w := worker.NewInMemoryWorker(q, r,
				worker.WithStaleMarker(stale),
				worker.WithRetryLimit(5),
				worker.WithRetryRate(1000, 10),
				worker.WithRetryBackoff(40*time.Millisecond, time.Second))
			go w.Run(ctx)
			q.Enqueue(ctx, job(604, "total_points"))

			convey.Convey("Then each wait should be longer than the one before", func() {
				convey.So(eventually(func() bool { return r.resolvedCount() == 1 }), convey.ShouldBeTrue)
				calls := r.callTimes()
				convey.So(len(calls), convey.ShouldEqual, 4)
				// Jitter keeps each wait within half of 40ms, 80ms and 160ms.
				convey.So(calls[1].Sub(calls[0]), convey.ShouldBeGreaterThanOrEqualTo, 20*time.Millisecond)
				convey.So(calls[2].Sub(calls[1]), convey.ShouldBeGreaterThanOrEqualTo, 40*time.Millisecond)
				convey.So(calls[3].Sub(calls[2]), convey.ShouldBeGreaterThanOrEqualTo, 80*time.Millisecond)
				convey.So(calls[3].Sub(calls[2]), convey.ShouldBeGreaterThan, calls[1].Sub(calls[0]))
			})
		})

		convey.Convey("When the worker stops during a backoff", func() {
			r := newMockResolver(100)
			w := worker.NewInMemoryWorker(q, r,
				worker.WithStaleMarker(stale),
				worker.WithRetryRate(1000, 10),
				worker.WithRetryBackoff(time.Minute, time.Minute))
			runCtx, runCancel := context.WithCancel(context.Background())
			go w.Run(runCtx)
			q.Enqueue(ctx, job(971, "auto_points"))
			convey.So(eventually(func() bool { return len(r.callTimes()) == 1 }), convey.ShouldBeTrue)
			runCancel()

			convey.Convey("Then the job should not be retried and the aggregate is marked stale", func() {
				convey.So(eventually(func() bool { return stale.count() == 1 }), convey.ShouldBeTrue)
				convey.So(len(r.callTimes()), convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When shutting down", func() {
			w := worker.NewInMemoryWorker(q, newMockResolver(0), worker.WithName("recompute-1"))
			go w.Run(ctx)

			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
		})

		convey.Convey("When the context is cancelled", func() {
			w := worker.NewInMemoryWorker(q, newMockResolver(0))
			runCtx, runCancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				w.Run(runCtx)
				close(done)
			}()
			runCancel()

			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("worker did not stop after cancel")
			}
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a worker pool", t, func() {
		q := newMockQueue()
		r := newMockResolver(1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := worker.NewPool(4, q, r, worker.WithRetryRate(1000, 10))
		convey.So(p.Size(), convey.ShouldEqual, 4)
		convey.So(worker.NewPool(0, q, r).Size(), convey.ShouldBeGreaterThan, 0)

		p.Start(ctx)
		for team := 1; team <= 10; team++ {
			convey.So(q.Enqueue(ctx, job(team, "total_points")), convey.ShouldBeTrue)
		}

		convey.Convey("Then every job should resolve after one retry", func() {
			convey.So(eventually(func() bool { return r.resolvedCount() == 10 }), convey.ShouldBeTrue)
			convey.So(eventually(func() bool { return p.Processed() == 20 }), convey.ShouldBeTrue)
		})

		convey.Convey("And shutdown should close the queue and stop the workers", func() {
			convey.So(eventually(func() bool { return r.resolvedCount() == 10 }), convey.ShouldBeTrue)
			convey.So(p.Shutdown(context.Background()), convey.ShouldBeNil)
			convey.So(q.Enqueue(ctx, job(1, "x")), convey.ShouldBeFalse)
		})
	})
}

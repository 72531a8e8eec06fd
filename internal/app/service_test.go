package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/scouting/internal/adapters/lock"
	"github.com/okian/scouting/internal/adapters/repository"
	service "github.com/okian/scouting/internal/app"
	"github.com/okian/scouting/internal/domain/model"
	"github.com/okian/scouting/internal/domain/scoring"
	"github.com/okian/scouting/pkg/logger"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it should report defaults before starting", func() {
			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, false)
			So(stats["queueSize"], ShouldEqual, 10000)
			So(stats["dedupeSize"], ShouldEqual, 50000)
		})
	})

	Convey("Given a new service with custom options", t, func() {
		svc := service.New(
			service.WithWorkerCount(3),
			service.WithQueueSize(500),
			service.WithDedupeSize(250),
			service.WithRetryLimit(2),
			service.WithRetryRate(10),
			service.WithStoreTimeout(time.Second),
		)

		Convey("Then the options should be applied", func() {
			stats := svc.GetStats()
			So(stats["workerCount"], ShouldEqual, 3)
			So(stats["queueSize"], ShouldEqual, 500)
			So(stats["dedupeSize"], ShouldEqual, 250)
		})

		Convey("Then non-positive values should be ignored", func() {
			svc := service.New(service.WithQueueSize(0), service.WithDedupeSize(-1))
			stats := svc.GetStats()
			So(stats["queueSize"], ShouldEqual, 10000)
			So(stats["dedupeSize"], ShouldEqual, 50000)
		})
	})
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc := service.New(service.WithWorkerCount(2))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		Convey("Calls before Start should fail with ErrNotStarted", func() {
			_, err := svc.Submit(ctx, record(1, "red1", 254, 3))
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			_, err = svc.GetAggregate(ctx, team(254))
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			_, err = svc.Rebuild(ctx, event)
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
		})

		Convey("When starting the service", func() {
			So(svc.Start(ctx), ShouldBeNil)
			defer svc.Stop()

			Convey("Then it should be marked as started", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, true)
				So(stats["observations"], ShouldEqual, 0)
				So(stats["aggregates"], ShouldEqual, 0)
			})

			Convey("Then starting twice should be harmless", func() {
				So(svc.Start(ctx), ShouldBeNil)
			})

			Convey("Then stopping should mark it stopped", func() {
				svc.Stop()
				So(svc.GetStats()["started"], ShouldEqual, false)
				_, err := svc.Submit(ctx, record(1, "red1", 254, 3))
				So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			})
		})
	})

	Convey("Given invalid scoring rules", t, func() {
		rules := scoring.DefaultRules()
		rules.Counters = nil
		svc := service.New(service.WithScoringRules(rules))

		Convey("Start should fail with ErrBadConfig", func() {
			err := svc.Start(context.Background())
			So(errors.Is(err, service.ErrBadConfig), ShouldBeTrue)
			So(svc.GetStats()["started"], ShouldEqual, false)
		})
	})
}

func TestService_Pipeline(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := service.New(service.WithWorkerCount(2), service.WithDedupeSize(100))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("Submissions are aggregated, deduplicated and ranked", func() {
			rec := record(1, "red1", 254, 5)
			rec.SubmissionID = "sub-1"
			res, err := svc.Submit(ctx, rec)
			So(err, ShouldBeNil)
			So(res.Teams, ShouldResemble, []model.TeamKey{team(254)})

			res, err = svc.Submit(ctx, rec)
			So(err, ShouldBeNil)
			So(res.Duplicate, ShouldBeTrue)

			_, err = svc.Submit(ctx, record(1, "red2", 1678, 2))
			So(err, ShouldBeNil)

			ted, err := svc.GetAggregate(ctx, team(254))
			So(err, ShouldBeNil)
			So(ted.Metrics[highGoals].Total, ShouldEqual, 5)

			ref := model.FieldRef{Name: highGoals, Stat: model.StatMax}
			r, err := svc.GetRank(ctx, team(1678), ref)
			So(err, ShouldBeNil)
			So(r.Rank, ShouldEqual, 2)
			ranks, err := svc.GetRanks(ctx, team(254), []model.FieldRef{ref})
			So(err, ShouldBeNil)
			So(ranks[0].Rank, ShouldEqual, 1)

			board, err := svc.Leaderboard(ctx, event, ref, 0)
			So(err, ShouldBeNil)
			So(board, ShouldHaveLength, 2)

			teams, err := svc.Remove(ctx, rec.Identity)
			So(err, ShouldBeNil)
			So(teams, ShouldResemble, []model.TeamKey{team(254)})

			stats := svc.GetStats()
			So(stats["observations"], ShouldEqual, 1)
			So(stats["seenSubmissions"], ShouldEqual, int64(1))
		})
	})
}

func TestService_RecomputeRetries(t *testing.T) {
	Convey("Given a service whose max query fails once", t, func() {
		obs := &flakyObservations{MemoryObservationStore: repository.NewMemoryObservationStore()}
		agg := repository.NewMemoryAggregateStore()
		svc := service.New(
			service.WithStores(obs, agg),
			service.WithWorkerCount(1),
			service.WithRetryRate(1000),
			service.WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		_, err := svc.Submit(ctx, record(1, "red1", 254, 3))
		So(err, ShouldBeNil)
		_, err = svc.Submit(ctx, record(2, "red1", 254, 7))
		So(err, ShouldBeNil)

		Convey("The worker pool repairs the maximum in the background", func() {
			obs.findMaxFailures.Store(1)
			_, err := svc.Submit(ctx, record(2, "red1", 254, 1))
			So(err, ShouldBeNil)

			So(eventually(func() bool {
				ted, err := svc.GetAggregate(ctx, team(254))
				return err == nil && ted.Metrics[highGoals].Max != nil && *ted.Metrics[highGoals].Max == 3
			}), ShouldBeTrue)
			ted, _ := svc.GetAggregate(ctx, team(254))
			So(ted.Stale, ShouldBeFalse)
		})

		Convey("Exhausted retries mark the aggregate stale", func() {
			obs.findMaxFailures.Store(100)
			_, err := svc.Submit(ctx, record(2, "red1", 254, 1))
			So(err, ShouldBeNil)

			// Three invalidated metrics, five attempts each, one worker.
			So(eventually(func() bool {
				ted, err := svc.GetAggregate(ctx, team(254))
				return err == nil && ted.Stale && svc.GetStats()["recomputeAttempts"] == int64(15)
			}), ShouldBeTrue)
			// The last attempt marks stale right after it is counted.
			time.Sleep(50 * time.Millisecond)

			obs.findMaxFailures.Store(0)
			res, err := svc.Rebuild(ctx, event)
			So(err, ShouldBeNil)
			So(res.Teams, ShouldEqual, 1)
			ted, _ := svc.GetAggregate(ctx, team(254))
			So(ted.Stale, ShouldBeFalse)
			So(*ted.Metrics[highGoals].Max, ShouldEqual, 3)
		})
	})
}

func TestService_Concurrency(t *testing.T) {
	Convey("Given concurrent writers over shared stores", t, func() {
		obs := &flakyObservations{MemoryObservationStore: repository.NewMemoryObservationStore()}
		agg := &flakyAggregates{MemoryAggregateStore: repository.NewMemoryAggregateStore()}
		locks := lock.NewKeyedMutex()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Two services share stores and a locker, as two instances would.
		var svcs []*service.Service
		for i := 0; i < 2; i++ {
			svc := service.New(service.WithStores(obs, agg), service.WithLocker(locks), service.WithWorkerCount(1))
			So(svc.Start(ctx), ShouldBeNil)
			defer svc.Stop()
			svcs = append(svcs, svc)
		}

		Convey("Interleaved edits and reassignments converge", func() {
			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					svc := svcs[w%2]
					for i := 0; i < 40; i++ {
						n := []int{254, 1678}[(w+i)%2]
						_, _ = svc.Submit(ctx, record(1+i%3, "blue1", n, (w*i)%9))
					}
				}(w)
			}
			wg.Wait()

			f := &fixture{obs: obs, agg: agg, engine: service.NewEngine(obs, agg)}
			f.shouldMatchFold(254)
			f.shouldMatchFold(1678)
			So(locks.Len(), ShouldEqual, 0)
		})
	})
}

package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	dedupe "github.com/okian/scouting/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	Convey("Given a new InMemoryDeduper", t, func() {
		ctx := context.Background()

		Convey("When recording submissions", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("A new submission should be recorded", func() {
				So(d.SeenAndRecord(ctx, "sub-1"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("A redelivered submission should be reported as seen", func() {
				d.SeenAndRecord(ctx, "sub-1")
				So(d.SeenAndRecord(ctx, "sub-1"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("Empty IDs should never be recorded", func() {
				So(d.SeenAndRecord(ctx, ""), ShouldBeFalse)
				So(d.SeenAndRecord(ctx, ""), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When unrecording submissions", func() {
			d := dedupe.NewInMemoryDeduper()
			for _, id := range []string{"sub-1", "sub-2", "sub-3"} {
				d.SeenAndRecord(ctx, id)
			}

			Convey("Removing the middle entry should keep the others", func() {
				d.Unrecord(ctx, "sub-2")
				So(d.Size(), ShouldEqual, 2)
				So(d.SeenAndRecord(ctx, "sub-1"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "sub-3"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "sub-2"), ShouldBeFalse)
			})

			Convey("Removing an unknown ID should be a no-op", func() {
				d.Unrecord(ctx, "nonexistent")
				So(d.Size(), ShouldEqual, 3)
			})

			Convey("Removing everything should empty the deduper", func() {
				for _, id := range []string{"sub-3", "sub-1", "sub-2"} {
					d.Unrecord(ctx, id)
				}
				So(d.Size(), ShouldEqual, 0)
				So(d.SeenAndRecord(ctx, "sub-1"), ShouldBeFalse)
			})
		})

		Convey("When bounded and full", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))
			for _, id := range []string{"sub-1", "sub-2", "sub-3"} {
				So(d.SeenAndRecord(ctx, id), ShouldBeFalse)
			}
			So(d.SeenAndRecord(ctx, "sub-4"), ShouldBeFalse)

			Convey("The oldest submission should be evicted", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.SeenAndRecord(ctx, "sub-4"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "sub-3"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "sub-2"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "sub-1"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 3)
			})
		})

		Convey("When bounded to a single entry", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(1))
			d.SeenAndRecord(ctx, "sub-1")
			d.SeenAndRecord(ctx, "sub-2")

			So(d.Size(), ShouldEqual, 1)
			So(d.SeenAndRecord(ctx, "sub-2"), ShouldBeTrue)
		})

		Convey("When unbounded", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(-1))
			const n = 1000
			for i := 0; i < n; i++ {
				So(d.SeenAndRecord(ctx, fmt.Sprintf("sub-%d", i)), ShouldBeFalse)
			}

			So(d.Size(), ShouldEqual, int64(n))
			So(d.SeenAndRecord(ctx, "sub-0"), ShouldBeTrue)
		})
	})
}

func TestDedupeConcurrency(t *testing.T) {
	Convey("Given a deduper with concurrent access", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(1000))
		ctx := context.Background()
		const goroutines = 10
		const perGoroutine = 100

		Convey("Concurrent records should all land", func() {
			var wg sync.WaitGroup
			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for j := 0; j < perGoroutine; j++ {
						d.SeenAndRecord(ctx, fmt.Sprintf("sub-%d-%d", g, j))
					}
				}(i)
			}
			wg.Wait()

			So(d.Size(), ShouldEqual, int64(goroutines*perGoroutine))
		})

		Convey("Concurrent unrecords should drain it", func() {
			const n = 500
			for i := 0; i < n; i++ {
				d.SeenAndRecord(ctx, fmt.Sprintf("sub-%d", i))
			}

			var wg sync.WaitGroup
			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for j := 0; j < n/goroutines; j++ {
						d.Unrecord(ctx, fmt.Sprintf("sub-%d", g*(n/goroutines)+j))
					}
				}(i)
			}
			wg.Wait()

			So(d.Size(), ShouldEqual, 0)
		})

		Convey("Racing the same ID should record it exactly once", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			fresh := 0
			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if !d.SeenAndRecord(ctx, "sub-shared") {
						mu.Lock()
						fresh++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			So(fresh, ShouldEqual, 1)
		})
	})
}

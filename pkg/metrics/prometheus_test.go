package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	. "github.com/smartystreets/goconvey/convey"
)

func families(g prometheus.Gatherer) map[string]*dto.MetricFamily {
	mfs, err := g.Gather()
	So(err, ShouldBeNil)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func TestNewManager(t *testing.T) {
	Convey("Given a manager on its own registry", t, func() {
		reg := prometheus.NewRegistry()
		m := NewManager(
			WithPrometheusRegistry(reg),
			WithNamespace("test"),
			WithSubsystem("agg"),
			WithHistogramBuckets([]float64{1, 10}),
		)
		So(m, ShouldNotBeNil)

		Convey("Metrics are named after the namespace and subsystem", func() {
			m.aggregateUpdates.Inc()
			m.maxUpdates.WithLabelValues("direct").Inc()
			m.systemGoroutineCount.Set(3)

			got := families(reg)
			So(got, ShouldContainKey, "test_agg_aggregate_updates_total")
			So(got, ShouldContainKey, "test_agg_max_updates_total")
			So(got["test_agg_system_goroutine_count"].GetMetric()[0].GetGauge().GetValue(), ShouldEqual, 3)
		})

		Convey("Empty options keep the defaults", func() {
			d := NewManager(WithPrometheusRegistry(prometheus.NewRegistry()), WithNamespace(""), WithHistogramBuckets(nil))
			So(d.namespace, ShouldEqual, "scouting")
			So(d.histogramBuckets, ShouldResemble, prometheus.DefBuckets)
		})
	})
}

func TestGlobalRecorders(t *testing.T) {
	Convey("Given the global registry", t, func() {
		Convey("Pipeline recorders land on it", func() {
			RecordObservationProcessed("ok")
			RecordMaxRecompute("resolved")
			RecordStaleAggregate()
			UpdateAggregatesTotal(4)
			RecordHTTPRequest("teams", "GET", "200")

			got := families(GetRegistry())
			So(got, ShouldContainKey, "scouting_ted_observations_processed_total")
			So(got, ShouldContainKey, "scouting_ted_max_recomputes_total")
			So(got, ShouldContainKey, "scouting_ted_stale_aggregates_total")
			So(got, ShouldContainKey, "scouting_ted_http_requests_total")
			So(got["scouting_ted_aggregates_total"].GetMetric()[0].GetGauge().GetValue(), ShouldEqual, 4)
		})
	})
}

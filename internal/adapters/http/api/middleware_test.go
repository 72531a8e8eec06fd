package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/scouting/internal/adapters/repository"
	"github.com/okian/scouting/pkg/metrics"
)

// errorCount reads errors_by_type_total for one code and severity.
func errorCount(code, severity string) float64 {
	mfs, err := metrics.GetRegistry().Gather()
	So(err, ShouldBeNil)
	for _, mf := range mfs {
		if !strings.HasSuffix(mf.GetName(), "errors_by_type_total") {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["error_type"] == code && labels["severity"] == severity {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func serve(h http.HandlerFunc) int {
	rec := httptest.NewRecorder()
	MetricsMiddleware(h, "middleware-test")(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec.Code
}

func TestMetricsMiddleware(t *testing.T) {
	Convey("Given handlers failing through writeError", t, func() {
		cases := []struct {
			name     string
			handler  http.HandlerFunc
			status   int
			code     string
			severity string
		}{
			{"a missing aggregate", func(w http.ResponseWriter, _ *http.Request) {
				writeDomainError(w, repository.ErrNotFound)
			}, http.StatusNotFound, codeNotFound, "low"},
			{"an over-large limit", func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusBadRequest, codeLimitExceeded, ErrLimitExceeded)
			}, http.StatusBadRequest, codeLimitExceeded, "low"},
			{"an unreachable store", func(w http.ResponseWriter, _ *http.Request) {
				writeDomainError(w, repository.ErrUnavailable)
			}, http.StatusServiceUnavailable, codeUnavailable, "medium"},
			{"an unexpected failure", func(w http.ResponseWriter, _ *http.Request) {
				writeDomainError(w, errors.New("disk on fire"))
			}, http.StatusInternalServerError, codeInternal, "high"},
		}
		for _, c := range cases {
			Convey("Then "+c.name+" is counted under its response code", func() {
				before := errorCount(c.code, c.severity)
				So(serve(c.handler), ShouldEqual, c.status)
				So(errorCount(c.code, c.severity), ShouldEqual, before+1)
			})
		}
	})

	Convey("Given a handler writing a bare status", t, func() {
		Convey("Then a 503 is counted as unavailable", func() {
			before := errorCount(codeUnavailable, "medium")
			So(serve(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			}), ShouldEqual, http.StatusServiceUnavailable)
			So(errorCount(codeUnavailable, "medium"), ShouldEqual, before+1)
		})

		Convey("Then success records no error", func() {
			before := errorCount(codeInternal, "high")
			So(serve(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), ShouldEqual, http.StatusOK)
			So(errorCount(codeInternal, "high"), ShouldEqual, before)
		})
	})
}

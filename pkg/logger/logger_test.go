package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type teamKey struct{ n int }

func (k teamKey) String() string { return "2024casj/frc" + string(rune('0'+k.n)) }

func TestLoggerInit(t *testing.T) {
	Convey("Given the global logger", t, func() {
		Convey("Init with defaults should produce a usable logger", func() {
			So(Init(), ShouldBeNil)
			So(Get(), ShouldNotBeNil)
			So(Sync(), ShouldBeNil)
		})

		Convey("Init with an unknown format should fail", func() {
			So(Init(WithFormat("xml")), ShouldNotBeNil)
		})
	})
}

func TestLoggerJSON(t *testing.T) {
	Convey("Given a JSON logger writing to a buffer", t, func() {
		var buf bytes.Buffer
		So(Init(WithFormat("json"), WithOutput(&buf)), ShouldBeNil)
		defer func() { _ = Init() }()

		Convey("Fields should appear as JSON attributes", func() {
			Get().Info(context.Background(), "aggregate updated",
				Stringer("team", teamKey{n: 4}),
				Int("ops", 2),
				Bool("stale", false),
				Error(errors.New("boom")))

			var line map[string]any
			So(json.Unmarshal(buf.Bytes(), &line), ShouldBeNil)
			So(line["msg"], ShouldEqual, "aggregate updated")
			So(line["team"], ShouldEqual, "2024casj/frc4")
			So(line["ops"], ShouldEqual, float64(2))
			So(line["stale"], ShouldEqual, false)
			So(line["source"], ShouldNotBeEmpty)
		})

		Convey("Debug lines should be dropped at info level", func() {
			Get().Debug(context.Background(), "hidden")
			So(buf.Len(), ShouldEqual, 0)
		})

		Convey("SetLevelString should enable debug", func() {
			So(SetLevelString("debug"), ShouldBeNil)
			Get().Debug(context.Background(), "shown")
			So(buf.String(), ShouldContainSubstring, "shown")
			So(SetLevelString("verbose"), ShouldNotBeNil)
		})
	})
}

func TestLoggerNamed(t *testing.T) {
	Convey("Named loggers should group their fields", t, func() {
		var buf bytes.Buffer
		So(Init(WithFormat("json"), WithOutput(&buf)), ShouldBeNil)
		defer func() { _ = Init() }()

		Named("engine").Info(context.Background(), "hello", String("k", "v"))
		So(buf.String(), ShouldContainSubstring, `"engine":{"k":"v"`)
	})
}

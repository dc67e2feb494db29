package runlog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/streamscraper/telemetry"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestRunRecord(t *testing.T) {
	ctx, run := Start(context.Background(), "twitch", "Scrape Followers")
	if telemetry.GetCorrelation(ctx) != run.ID || run.ID == "" {
		t.Fatalf("context correlation = %q, run id = %q", telemetry.GetCorrelation(ctx), run.ID)
	}
	clock := &stepClock{t: time.Unix(1000, 0)}
	run.SetClock(clock.now)

	run.Timings.StartAction("get_followers")
	run.Timings.EndAction("get_followers")
	run.Add(CounterAPIErrors, 2)
	run.Wrote("followers", 5)
	run.Wrote("followers", 1)

	rl := run.Record()
	if rl.Procedure != "Scrape Followers" || rl.RunID != run.ID {
		t.Errorf("record = %+v", rl)
	}
	if !rl.TimeCompleted.After(rl.TimeStarted) {
		t.Errorf("completed %v not after started %v", rl.TimeCompleted, rl.TimeStarted)
	}
	if rl.Counters["followers"] != 6 || rl.Counters[CounterAPIErrors] != 2 {
		t.Errorf("counters = %v", rl.Counters)
	}
	if st := rl.Timings["get_followers"]; st.N != 1 || st.Min != 1000 {
		t.Errorf("timings = %+v", rl.Timings)
	}

	// later increments do not leak into an already built record
	run.Add(CounterAPIErrors, 1)
	if rl.Counters[CounterAPIErrors] != 2 {
		t.Error("record counters share state with the run")
	}
}

func TestFinishReportsMetrics(t *testing.T) {
	telemetry.Init()
	proc := "finish test"
	_, run := Start(context.Background(), "mixer", proc)
	run.Wrote("snapshot", 4)
	run.Finish(nil)

	if got := testutil.ToFloat64(telemetry.ProcedureRuns.WithLabelValues(proc, "ok")); got != 1 {
		t.Errorf("ok runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(telemetry.RecordsWritten.WithLabelValues(proc, "snapshot")); got != 4 {
		t.Errorf("records written = %v, want 4", got)
	}

	_, failed := Start(context.Background(), "mixer", proc)
	failed.Wrote("snapshot", 9)
	failed.Finish(context.Canceled)
	if got := testutil.ToFloat64(telemetry.ProcedureRuns.WithLabelValues(proc, "cancelled")); got != 1 {
		t.Errorf("cancelled runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(telemetry.RecordsWritten.WithLabelValues(proc, "snapshot")); got != 4 {
		t.Errorf("failed run must not count records, got %v", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{errors.New("helix: 503 Service Unavailable"), ErrorClassRetryable},
		{errors.New("read tcp: connection reset by peer"), ErrorClassRetryable},
		{fmt.Errorf("commit: %w", context.DeadlineExceeded), ErrorClassRetryable},
		{errors.New(`pq: relation "twitch_streamers" does not exist`), ErrorClassFatal},
		{errors.New("oauth2: 401 invalid client"), ErrorClassFatal},
		{errors.New(`insert session: violates not-null constraint`), ErrorClassFatal},
		{errors.New("something odd"), ErrorClassRetryable},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if !IsFatal(errors.New("permission denied for table")) {
		t.Error("permission denied should be fatal")
	}
	if ErrorClass(42).String() != "unknown" {
		t.Error("out of range class should print unknown")
	}
}

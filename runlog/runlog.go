// Package runlog tracks one execution of a scraping procedure: a run id, the
// TimeLogs of its phases, its counters, and the final outcome reported to
// metrics, tracing and the log.
package runlog

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/stats"
	"github.com/onnwee/streamscraper/telemetry"
)

// Common counter names.
const (
	CounterAPIErrors = "api_errors"
	CounterInvalid   = "invalid_records"
)

// Run is a procedure execution in progress.
type Run struct {
	Platform  string
	Procedure string
	ID        string
	Started   time.Time
	Timings   *stats.TimeLogs

	mu       sync.Mutex
	counters map[string]int
	written  map[string]int
	span     trace.Span
	log      *slog.Logger
	now      func() time.Time
}

// Start begins a run. The returned context carries the run id as correlation
// id and the run's span.
func Start(ctx context.Context, platform, procedure string) (context.Context, *Run) {
	r := &Run{
		Platform:  platform,
		Procedure: procedure,
		ID:        uuid.NewString(),
		Timings:   stats.NewTimeLogs(),
		counters:  map[string]int{},
		written:   map[string]int{},
		now:       time.Now,
	}
	r.Started = r.now()
	ctx = telemetry.WithCorrelation(ctx, r.ID)
	ctx, r.span = telemetry.StartSpan(ctx, procedure, telemetry.ProcedureAttrs(platform, procedure)...)
	r.log = telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", platform),
		slog.String("procedure", procedure),
	)
	r.log.Info("procedure started")
	return ctx, r
}

// SetClock replaces the time source of the run and its TimeLogs. Used by tests.
func (r *Run) SetClock(now func() time.Time) {
	r.now = now
	r.Started = now()
	r.Timings.SetClock(now)
}

// Logger returns the run-scoped logger.
func (r *Run) Logger() *slog.Logger { return r.log }

// Add increments a counter.
func (r *Run) Add(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += n
}

// Wrote increments the counter for a written record kind. Written counts are
// also reported as metrics once the run succeeds.
func (r *Run) Wrote(kind string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[kind] += n
	r.written[kind] += n
}

// Counter returns the current value of a counter.
func (r *Run) Counter(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Record builds the RunLog row, stamped as completed now.
func (r *Run) Record() records.RunLog {
	r.mu.Lock()
	counters := maps.Clone(r.counters)
	r.mu.Unlock()
	return records.RunLog{
		Procedure:     r.Procedure,
		RunID:         r.ID,
		TimeStarted:   r.Started,
		TimeCompleted: r.now(),
		Timings:       r.Timings.Stats(),
		Counters:      counters,
	}
}

// Finish reports the outcome. It must be called exactly once.
func (r *Run) Finish(err error) {
	d := r.now().Sub(r.Started)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	default:
		status = Classify(err).String()
	}
	telemetry.ObserveRun(r.Procedure, status, d)
	telemetry.EndSpan(r.span, err)

	r.mu.Lock()
	counters := maps.Clone(r.counters)
	written := maps.Clone(r.written)
	r.mu.Unlock()
	if err != nil {
		r.log.Error("procedure failed", slog.Any("err", err), slog.String("status", status), slog.Duration("duration", d))
		return
	}
	for kind, n := range written {
		telemetry.AddRecords(r.Procedure, kind, n)
	}
	r.log.Info("procedure completed", slog.Any("counters", counters), slog.Duration("duration", d))
}

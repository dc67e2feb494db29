package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/streamscraper/notify"
	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/runlog"
	"github.com/onnwee/streamscraper/store"
)

// Counter is a store whose registry tables can be counted.
type Counter interface {
	Tables() store.Tables
	Count(ctx context.Context, table string) (int64, error)
}

// CountHistory keeps previously logged counts. Record stores a pass's counts
// together with its run log.
type CountHistory interface {
	Previous(ctx context.Context, table string) (int64, bool, error)
	Record(ctx context.Context, at time.Time, counts map[string]int64, rl records.RunLog) error
}

// RunLogWriter appends a run log outside of a platform write transaction.
type RunLogWriter interface {
	InsertRunLog(ctx context.Context, rl records.RunLog) error
}

// TableCounts logs the row count of every registered table and alerts when
// a table that grows while scraping works (snapshots, run logs) did not change
// since the previous log. Its own run log goes to the count history, never to
// a counted table.
type TableCounts struct {
	Stores   []Counter
	History  CountHistory
	Notifier notify.Notifier
	Now      func() time.Time
}

// Run performs one count pass.
func (c *TableCounts) Run(ctx context.Context) error {
	ctx, run := runlog.Start(ctx, store.SharedTables.Platform, ProcCountTables)
	if c.Now != nil {
		run.SetClock(c.Now)
	}
	unchanged, err := c.count(ctx, run)
	run.Finish(err)
	if err == nil && len(unchanged) > 0 {
		notify.Send(ctx, c.Notifier, "unchanged counts: "+strings.Join(unchanged, ", "))
	}
	return err
}

func (c *TableCounts) count(ctx context.Context, run *runlog.Run) ([]string, error) {
	counts := map[string]int64{}
	var unchanged []string
	for _, s := range c.Stores {
		tables := s.Tables()
		watched := map[string]bool{tables.Snapshots: true, tables.RunLogs: true}
		all := tables.All()
		sort.Strings(all)
		for _, table := range all {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var n int64
			err := run.Timings.Time("count", func() error {
				var err error
				n, err = s.Count(ctx, table)
				return err
			})
			if err != nil {
				return nil, err
			}
			counts[table] = n
			if !watched[table] {
				continue
			}
			prev, ok, err := c.History.Previous(ctx, table)
			if err != nil {
				return nil, err
			}
			if ok && prev == n {
				unchanged = append(unchanged, table)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	run.Wrote("counts", len(counts))
	run.Add("unchanged", len(unchanged))
	if err := c.History.Record(context.WithoutCancel(ctx), nowFunc(c.Now)(), counts, run.Record()); err != nil {
		return nil, fmt.Errorf("record counts: %w", err)
	}
	return unchanged, nil
}

// RunLogReader exposes the latest run log of each procedure of a store.
type RunLogReader interface {
	Tables() store.Tables
	LatestRunLogs(ctx context.Context) ([]records.RunLog, error)
}

// Stale is a procedure whose latest run completed too long ago.
type Stale struct {
	Platform      string        `json:"platform"`
	Procedure     string        `json:"procedure"`
	LastCompleted time.Time     `json:"last_completed"`
	Age           time.Duration `json:"age"`
}

func (s Stale) String() string {
	return fmt.Sprintf("%s/%s last ran %s ago", s.Platform, s.Procedure, s.Age.Round(time.Minute))
}

// DefaultStaleAfter is the run log age that counts as stale.
const DefaultStaleAfter = 2 * time.Hour

// RunLogCheck alerts when a procedure has stopped writing run logs.
type RunLogCheck struct {
	Stores []RunLogReader
	// RunLogs receives the check's own run log. Nil skips it (one-shot
	// checks from the CLI and the HTTP status page).
	RunLogs    RunLogWriter
	Notifier   notify.Notifier
	StaleAfter time.Duration
	Now        func() time.Time
}

// Check lists the stale procedures, ordered by platform and name.
func (c *RunLogCheck) Check(ctx context.Context) ([]Stale, error) {
	after := c.StaleAfter
	if after <= 0 {
		after = DefaultStaleAfter
	}
	now := nowFunc(c.Now)()
	var out []Stale
	for _, s := range c.Stores {
		logs, err := s.LatestRunLogs(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s run logs: %w", s.Tables().Platform, err)
		}
		for _, rl := range logs {
			if age := now.Sub(rl.TimeCompleted); age > after {
				out = append(out, Stale{Platform: s.Tables().Platform, Procedure: rl.Procedure, LastCompleted: rl.TimeCompleted, Age: age})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Procedure < out[j].Procedure
	})
	return out, nil
}

// Run performs one check and notifies about stale procedures.
func (c *RunLogCheck) Run(ctx context.Context) error {
	ctx, run := runlog.Start(ctx, store.SharedTables.Platform, ProcCheckRunLogs)
	if c.Now != nil {
		run.SetClock(c.Now)
	}
	stale, err := c.Check(ctx)
	if err == nil {
		run.Add("stale", len(stale))
		if c.RunLogs != nil {
			if werr := c.RunLogs.InsertRunLog(context.WithoutCancel(ctx), run.Record()); werr != nil {
				err = fmt.Errorf("write run log: %w", werr)
			}
		}
	}
	run.Finish(err)
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		msgs := make([]string, len(stale))
		for i, s := range stale {
			msgs[i] = s.String()
		}
		run.Logger().Warn("stale run logs", slog.Int("count", len(stale)))
		notify.Send(ctx, c.Notifier, "stale run logs: "+strings.Join(msgs, "; "))
	}
	return nil
}

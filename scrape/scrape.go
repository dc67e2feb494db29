// Package scrape implements the scraping procedures.
//
// Every procedure runs in three phases: read the reference data it needs from
// the store, call the vendor API with no transaction open, then write every
// result together with its run log in one transaction. Cancellation is
// observed between vendor calls and before the write phase; once writing has
// started the batch is completed.
package scrape

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/runlog"
	"github.com/onnwee/streamscraper/stats"
	"github.com/onnwee/streamscraper/store"
)

// Procedure names as written to the run logs.
const (
	ProcTwitchSnapshots  = "Scrape Livestreams Snapshots"
	ProcTwitchFollowers  = "Scrape Followers"
	ProcTwitchInactive   = "Scrape Inactive"
	ProcMixerLivestreams = "Scrape Livestreams"
	ProcMixerRecordings  = "Scrape Recordings"
	ProcCountTables      = "Log Table Counts"
	ProcCheckRunLogs     = "Check Run Logs"
)

// BatchSize is the number of ids sent in one lookup request.
const BatchSize = 100

// Gateway is the store surface the procedures read and write through.
type Gateway interface {
	Tables() store.Tables
	KnownIDs(ctx context.Context, kind string) (store.IDSet, error)
	KnownTags(ctx context.Context) (map[string]int, error)
	StaleIDs(ctx context.Context, kind string, before time.Time, limit int) ([]int64, error)
	LeastRecentlyScraped(ctx context.Context, kind string, limit int) ([]int64, error)
	StalestInSeries(ctx context.Context, series store.Series, limit int) ([]int64, error)
	WithTx(ctx context.Context, fn func(store.Tx) error) error
}

// Batches splits ids into consecutive chunks of at most size.
func Batches[T any](ids []T, size int) [][]T {
	if size <= 0 {
		size = BatchSize
	}
	var out [][]T
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

// Collect calls fetch until it reports no further page or a page adds no item
// whose key was not seen before. Items are deduplicated by key, first wins.
// A failed page should be reported as an empty page so the loop ends on the
// no-progress rule.
func Collect[T any, K comparable](ctx context.Context, fetch func(context.Context) ([]T, bool, error), key func(T) K) ([]T, error) {
	seen := map[K]struct{}{}
	var out []T
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		items, more, err := fetch(ctx)
		if err != nil {
			return out, err
		}
		added := 0
		for _, it := range items {
			k := key(it)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, it)
			added++
		}
		if !more || added == 0 {
			return out, nil
		}
	}
}

// vendorErr decides whether a failed vendor call ends the run. Only
// cancellation does; anything else is logged, counted and treated as an
// empty response.
func vendorErr(ctx context.Context, run *runlog.Run, call string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return err
	}
	run.Add(runlog.CounterAPIErrors, 1)
	run.Logger().Warn("vendor call failed", slog.String("call", call), slog.Any("err", err), slog.String("class", runlog.Classify(err).String()))
	return nil
}

// commit runs the write phase and appends the run log in the same
// transaction.
func commit(ctx context.Context, g Gateway, run *runlog.Run, fn func(context.Context, store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx := context.WithoutCancel(ctx)
	return g.WithTx(wctx, func(tx store.Tx) error {
		run.Timings.StartAction("write")
		if err := fn(wctx, tx); err != nil {
			return err
		}
		run.Timings.EndAction("write")
		return tx.InsertRunLog(wctx, run.Record())
	})
}

// writeSeries writes the named series projections of rec. Gated series only
// get a point when the value changed. It returns the number of points written.
func writeSeries(ctx context.Context, tx store.Tx, tables store.Tables, rec records.Record, at time.Time, names ...string) (int, error) {
	n := 0
	for _, name := range names {
		s, ok := tables.SeriesNamed(name)
		if !ok {
			continue
		}
		tuple, ok := rec.Tuple(name)
		if !ok {
			continue
		}
		p, ok := store.PointFromTuple(tuple, at)
		if !ok {
			continue
		}
		if s.Gated {
			wrote, err := store.AppendGated(ctx, tx, s, p)
			if err != nil {
				return n, err
			}
			if wrote {
				n++
			}
			continue
		}
		if err := tx.AppendPoint(ctx, s, p); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// gameBuckets aggregates viewer counts per game for one scrape.
type gameBuckets struct {
	at      time.Time
	buckets map[int64]*stats.Bucket
	order   []int64
}

func newGameBuckets(at time.Time) *gameBuckets {
	return &gameBuckets{at: at, buckets: map[int64]*stats.Bucket{}}
}

func (g *gameBuckets) add(game int64, viewers int) {
	if game == records.NoGame {
		return
	}
	b, ok := g.buckets[game]
	if !ok {
		b = stats.NewBucket(game, g.at)
		g.buckets[game] = b
		g.order = append(g.order, game)
	}
	b.Add(viewers)
}

func (g *gameBuckets) write(ctx context.Context, tx store.Tx) (int, error) {
	for _, id := range g.order {
		if err := tx.InsertGameSnapshot(ctx, records.NewGameSnapshot(g.buckets[id])); err != nil {
			return 0, err
		}
	}
	return len(g.order), nil
}

func nowFunc(f func() time.Time) func() time.Time {
	if f != nil {
		return f
	}
	return time.Now
}

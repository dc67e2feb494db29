// Package compact folds per-poll livestream snapshots into sessions: maximal
// runs of consecutive snapshots of one livestream that share a game.
package compact

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/runlog"
	"github.com/onnwee/streamscraper/store"
	"github.com/onnwee/streamscraper/telemetry"
)

// Procedure is the run log name of a compaction pass.
const Procedure = "Compress Livestream Snapshots"

// Defaults for a compaction pass.
const (
	DefaultGrace = 48 * time.Hour
	DefaultBatch = 5000
)

// Gateway is the part of store.Store a compaction pass needs.
type Gateway interface {
	CompactionCandidates(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	WithTx(ctx context.Context, fn func(store.Tx) error) error
}

// Compactor runs compaction passes against one platform store.
type Compactor struct {
	Store    Gateway
	Platform string
	// Grace is how long a livestream must have gone without a new snapshot
	// before it is considered over.
	Grace time.Duration
	// Batch bounds the livestreams folded per pass.
	Batch int
	Now   func() time.Time
}

// Result summarizes one pass.
type Result struct {
	Livestreams int
	// Snapshots counts the rows deleted, which can exceed the rows folded
	// when a snapshot lands between the read and the delete.
	Snapshots int
	Sessions  int
}

// RunOnce folds the snapshots of every eligible livestream into sessions.
// Sessions, snapshot deletions and the run log commit together; on any error
// none of them is visible. Cancellation is honored only before the write
// transaction starts.
func (c *Compactor) RunOnce(ctx context.Context) (Result, error) {
	ctx, run := runlog.Start(ctx, c.Platform, Procedure)
	if c.Now != nil {
		run.SetClock(c.Now)
	}
	res, err := c.pass(ctx, run)
	run.Finish(err)
	return res, err
}

func (c *Compactor) pass(ctx context.Context, run *runlog.Run) (Result, error) {
	grace, batch := c.Grace, c.Batch
	if grace <= 0 {
		grace = DefaultGrace
	}
	if batch <= 0 {
		batch = DefaultBatch
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	var ids []int64
	err := run.Timings.Time("get_candidates", func() error {
		var err error
		ids, err = c.Store.CompactionCandidates(ctx, now().Add(-grace), batch)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("compaction candidates: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	wctx := context.WithoutCancel(ctx)
	err = c.Store.WithTx(wctx, func(tx store.Tx) error {
		res = Result{}
		run.Timings.StartAction("compact")
		for _, id := range ids {
			snaps, err := tx.Snapshots(wctx, id)
			if err != nil {
				return err
			}
			sessions := Sessions(snaps)
			if len(sessions) == 0 {
				continue
			}
			for _, s := range sessions {
				if err := tx.InsertSession(wctx, s); err != nil {
					return err
				}
			}
			// bound the delete to what was read so late snapshots survive
			through := sessions[len(sessions)-1].DateEnded
			n, err := tx.DeleteSnapshots(wctx, id, through)
			if err != nil {
				return err
			}
			res.Livestreams++
			res.Snapshots += int(n)
			res.Sessions += len(sessions)
		}
		run.Timings.EndAction("compact")
		run.Add("livestreams", res.Livestreams)
		run.Add("snapshots_deleted", res.Snapshots)
		run.Wrote("sessions", res.Sessions)
		return tx.InsertRunLog(wctx, run.Record())
	})
	if err != nil {
		return Result{}, fmt.Errorf("compact %s snapshots: %w", c.Platform, err)
	}
	telemetry.AddSessions(c.Platform, res.Sessions)
	return res, nil
}

// Sessions partitions the snapshots of a single livestream into sessions.
// Input order does not matter; snapshots are ordered by DateScraped (ties keep
// their input order) and a new session starts whenever the game changes.
// Runs separated by a different game are never merged, even if they share a
// game id.
func Sessions(snaps []records.Snapshot) []records.Session {
	if len(snaps) == 0 {
		return nil
	}
	ordered := make([]records.Snapshot, len(snaps))
	copy(ordered, snaps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DateScraped.Before(ordered[j].DateScraped)
	})

	var out []records.Session
	start := 0
	for i := 1; i <= len(ordered); i++ {
		if i < len(ordered) && ordered[i].GameID == ordered[start].GameID {
			continue
		}
		out = append(out, fold(ordered[start:i]))
		start = i
	}
	return out
}

// fold builds one session from a non-empty run sharing a game id.
func fold(run []records.Snapshot) records.Session {
	first := run[0]
	s := records.Session{
		LivestreamID: first.LivestreamID,
		StreamerID:   first.StreamerID,
		GameID:       first.GameID,
		Language:     first.Language,
		TagIDs:       append([]int(nil), first.TagIDs...),
		DateStarted:  first.DateScraped,
		DateEnded:    run[len(run)-1].DateScraped,
		MinViewers:   first.ViewerCount,
		MaxViewers:   first.ViewerCount,
		ViewerCounts: make([]int, 0, len(run)),
	}
	for _, snap := range run {
		if snap.ViewerCount < s.MinViewers {
			s.MinViewers = snap.ViewerCount
		}
		if snap.ViewerCount > s.MaxViewers {
			s.MaxViewers = snap.ViewerCount
		}
		s.ViewerCounts = append(s.ViewerCounts, snap.ViewerCount)
	}
	return s
}

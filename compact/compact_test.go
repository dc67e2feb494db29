package compact

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/store"
)

func snap(id int64, at int64, game int64, viewers int) records.Snapshot {
	return records.Snapshot{
		LivestreamID: id,
		StreamerID:   id * 10,
		GameID:       game,
		ViewerCount:  viewers,
		Language:     "en",
		DateScraped:  time.Unix(at, 0),
		TagIDs:       []int{1, 2},
	}
}

func TestSessions(t *testing.T) {
	type want struct {
		game         int64
		start, end   int64
		min, max     int
		viewerCounts []int
	}
	tests := []struct {
		name  string
		snaps []records.Snapshot
		want  []want
	}{
		{
			name:  "empty",
			snaps: nil,
			want:  nil,
		},
		{
			name:  "single snapshot",
			snaps: []records.Snapshot{snap(1, 100, 3, 12)},
			want:  []want{{3, 100, 100, 12, 12, []int{12}}},
		},
		{
			name: "game switch and back is not merged",
			snaps: []records.Snapshot{
				snap(42, 100, 7, 10), snap(42, 200, 7, 30), snap(42, 300, 9, 20), snap(42, 400, 7, 5),
			},
			want: []want{
				{7, 100, 200, 10, 30, []int{10, 30}},
				{9, 300, 300, 20, 20, []int{20}},
				{7, 400, 400, 5, 5, []int{5}},
			},
		},
		{
			name: "unordered input is sorted by scrape time",
			snaps: []records.Snapshot{
				snap(5, 300, 2, 3), snap(5, 100, 1, 1), snap(5, 200, 1, 2),
			},
			want: []want{
				{1, 100, 200, 1, 2, []int{1, 2}},
				{2, 300, 300, 3, 3, []int{3}},
			},
		},
		{
			name: "no game is its own run",
			snaps: []records.Snapshot{
				snap(6, 100, records.NoGame, 4), snap(6, 200, records.NoGame, 0), snap(6, 300, 8, 9),
			},
			want: []want{
				{records.NoGame, 100, 200, 0, 4, []int{4, 0}},
				{8, 300, 300, 9, 9, []int{9}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sessions(tt.snaps)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d sessions, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, w := range tt.want {
				s := got[i]
				if s.GameID != w.game || s.DateStarted.Unix() != w.start || s.DateEnded.Unix() != w.end {
					t.Errorf("session %d = game %d [%d,%d], want game %d [%d,%d]",
						i, s.GameID, s.DateStarted.Unix(), s.DateEnded.Unix(), w.game, w.start, w.end)
				}
				if s.MinViewers != w.min || s.MaxViewers != w.max {
					t.Errorf("session %d viewers min/max = %d/%d, want %d/%d", i, s.MinViewers, s.MaxViewers, w.min, w.max)
				}
				if !reflect.DeepEqual(s.ViewerCounts, w.viewerCounts) {
					t.Errorf("session %d viewer counts = %v, want %v", i, s.ViewerCounts, w.viewerCounts)
				}
			}
		})
	}
}

func TestSessionsPartitionInput(t *testing.T) {
	games := []int64{1, 1, 2, 2, 2, 1, 3, 3, 1, 1}
	var snaps []records.Snapshot
	for i, g := range games {
		snaps = append(snaps, snap(9, int64(1000-i*10), g, i))
	}
	got := Sessions(snaps)

	// sorted ascending the games read 1,1,3,3,1,2,2,2,1,1
	if len(got) != 5 {
		t.Fatalf("got %d sessions, want 5", len(got))
	}
	var counts []int
	for _, s := range got {
		counts = append(counts, s.ViewerCounts...)
	}
	want := []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("viewer counts across sessions = %v, want %v", counts, want)
	}
}

func TestSessionsCopiesFirstSnapshot(t *testing.T) {
	a := snap(1, 100, 1, 1)
	b := snap(1, 200, 1, 2)
	b.Language = "de"
	b.TagIDs = []int{9}
	in := []records.Snapshot{b, a}
	got := Sessions(in)
	if got[0].Language != "en" || !reflect.DeepEqual(got[0].TagIDs, []int{1, 2}) {
		t.Errorf("session = %+v, want fields of the earliest snapshot", got[0])
	}
	got[0].TagIDs[0] = 99
	if a.TagIDs[0] != 1 {
		t.Error("session tag ids alias the snapshot's")
	}
	if in[0].DateScraped.Unix() != 200 {
		t.Error("input slice was reordered")
	}
}

// memStore is an in-memory gateway; a transaction works on copies and only
// publishes them when fn succeeds.
type memStore struct {
	snaps    map[int64][]records.Snapshot
	sessions []records.Session
	logs     []records.RunLog
	deletes  map[int64]time.Time
	failOn   string
	// late snapshots are committed by a concurrent poll right after a read
	late map[int64][]records.Snapshot
}

func (m *memStore) CompactionCandidates(_ context.Context, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	for id, ss := range m.snaps {
		latest := time.Time{}
		for _, s := range ss {
			if s.DateScraped.After(latest) {
				latest = s.DateScraped
			}
		}
		if len(ss) > 0 && latest.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	tx := &memTx{m: m, snaps: map[int64][]records.Snapshot{}, deletes: map[int64]time.Time{}}
	for id, ss := range m.snaps {
		tx.snaps[id] = ss
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.snaps = tx.snaps
	m.sessions = append(m.sessions, tx.sessions...)
	m.logs = append(m.logs, tx.logs...)
	if m.deletes == nil {
		m.deletes = map[int64]time.Time{}
	}
	for id, at := range tx.deletes {
		m.deletes[id] = at
	}
	return nil
}

type memTx struct {
	store.Tx
	m        *memStore
	snaps    map[int64][]records.Snapshot
	sessions []records.Session
	logs     []records.RunLog
	deletes  map[int64]time.Time
}

var errBoom = errors.New("boom")

func (tx *memTx) Snapshots(_ context.Context, id int64) ([]records.Snapshot, error) {
	out := append([]records.Snapshot(nil), tx.snaps[id]...)
	if late := tx.m.late[id]; len(late) > 0 {
		tx.snaps[id] = append(append([]records.Snapshot(nil), tx.snaps[id]...), late...)
	}
	return out, nil
}

func (tx *memTx) InsertSession(_ context.Context, s records.Session) error {
	if tx.m.failOn == "session" {
		return errBoom
	}
	tx.sessions = append(tx.sessions, s)
	return nil
}

func (tx *memTx) DeleteSnapshots(_ context.Context, id int64, through time.Time) (int64, error) {
	var kept []records.Snapshot
	var n int64
	for _, s := range tx.snaps[id] {
		if s.DateScraped.After(through) {
			kept = append(kept, s)
			continue
		}
		n++
	}
	if len(kept) == 0 {
		delete(tx.snaps, id)
	} else {
		tx.snaps[id] = kept
	}
	tx.deletes[id] = through
	return n, nil
}

func (tx *memTx) InsertRunLog(_ context.Context, rl records.RunLog) error {
	if tx.m.failOn == "runlog" {
		return errBoom
	}
	tx.logs = append(tx.logs, rl)
	return nil
}

func newStore() *memStore {
	return &memStore{snaps: map[int64][]records.Snapshot{
		42: {snap(42, 100, 7, 10), snap(42, 200, 7, 30), snap(42, 300, 9, 20), snap(42, 400, 7, 5)},
		// still live: last snapshot inside the grace period
		43: {snap(43, 100, 1, 1), snap(43, 200_000, 1, 2)},
	}}
}

func newCompactor(m *memStore) *Compactor {
	now := time.Unix(200_000, 0).Add(time.Hour)
	return &Compactor{Store: m, Platform: "twitch", Grace: 48 * time.Hour, Batch: 10, Now: func() time.Time { return now }}
}

func TestCompactorRunOnce(t *testing.T) {
	m := newStore()
	c := newCompactor(m)

	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res != (Result{Livestreams: 1, Snapshots: 4, Sessions: 3}) {
		t.Errorf("result = %+v", res)
	}
	if len(m.sessions) != 3 {
		t.Fatalf("stored sessions = %d, want 3", len(m.sessions))
	}
	if _, ok := m.snaps[42]; ok {
		t.Error("snapshots of compacted livestream 42 remain")
	}
	if len(m.snaps[43]) != 2 {
		t.Error("snapshots of live livestream 43 must be untouched")
	}
	if m.deletes[42].Unix() != 400 {
		t.Errorf("delete bound = %v, want the latest compacted snapshot", m.deletes[42])
	}
	if len(m.logs) != 1 {
		t.Fatalf("run logs = %d, want 1", len(m.logs))
	}
	rl := m.logs[0]
	if rl.Procedure != Procedure || rl.Counters["sessions"] != 3 || rl.Counters["snapshots_deleted"] != 4 {
		t.Errorf("run log = %+v", rl)
	}
	if _, ok := rl.Timings["compact"]; !ok {
		t.Errorf("run log timings missing compact: %v", rl.Timings)
	}
}

func TestCompactorIdempotent(t *testing.T) {
	m := newStore()
	c := newCompactor(m)
	if _, err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if res.Sessions != 0 || len(m.sessions) != 3 {
		t.Errorf("second pass produced %d sessions (total %d)", res.Sessions, len(m.sessions))
	}
	if len(m.logs) != 2 {
		t.Errorf("run logs = %d, want one per pass", len(m.logs))
	}
}

func TestCompactorCountsDeletedRows(t *testing.T) {
	m := newStore()
	m.late = map[int64][]records.Snapshot{
		42: {snap(42, 350, 9, 25), snap(42, 500, 7, 1)},
	}
	res, err := newCompactor(m).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	// four read, the late one at 350 is inside the delete bound
	if res.Snapshots != 5 || res.Sessions != 3 {
		t.Errorf("result = %+v, want 5 deleted and 3 sessions", res)
	}
	if got := m.logs[0].Counters["snapshots_deleted"]; got != 5 {
		t.Errorf("snapshots_deleted = %d, want 5", got)
	}
	if left := m.snaps[42]; len(left) != 1 || left[0].DateScraped.Unix() != 500 {
		t.Errorf("remaining snapshots = %+v, want only the one after the bound", left)
	}
}

func TestCompactorRollsBackOnFailure(t *testing.T) {
	for _, failOn := range []string{"session", "runlog"} {
		t.Run(failOn, func(t *testing.T) {
			m := newStore()
			m.failOn = failOn
			if _, err := newCompactor(m).RunOnce(context.Background()); !errors.Is(err, errBoom) {
				t.Fatalf("RunOnce() error = %v, want errBoom", err)
			}
			if len(m.sessions) != 0 || len(m.logs) != 0 {
				t.Errorf("partial commit: %d sessions, %d logs", len(m.sessions), len(m.logs))
			}
			if len(m.snaps[42]) != 4 {
				t.Errorf("snapshots of 42 = %d, want all 4 kept", len(m.snaps[42]))
			}
		})
	}
}

func TestCompactorCancelledBeforeWrite(t *testing.T) {
	m := newStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newCompactor(m).RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunOnce() error = %v, want context.Canceled", err)
	}
	if len(m.sessions) != 0 || len(m.logs) != 0 {
		t.Error("cancelled pass wrote data")
	}
}

func TestCompactorBatchLimit(t *testing.T) {
	m := &memStore{snaps: map[int64][]records.Snapshot{}}
	for id := int64(1); id <= 5; id++ {
		m.snaps[id] = []records.Snapshot{snap(id, 100, 1, 1)}
	}
	c := newCompactor(m)
	c.Batch = 2
	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Livestreams != 2 || len(m.snaps) != 3 {
		t.Errorf("compacted %d livestreams, %d left; want 2 and 3", res.Livestreams, len(m.snaps))
	}
}

package store_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/streamscraper/compact"
	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/store"
	"github.com/onnwee/streamscraper/testutil"
)

var t0 = time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, tables store.Tables) (*sql.DB, *store.Store) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database, tables.All()...)
	return database, store.New(database, tables)
}

func snapshot(livestream int64, at time.Time, game int64, viewers int, tags ...int) records.Snapshot {
	return records.Snapshot{
		LivestreamID: livestream,
		StreamerID:   livestream * 10,
		GameID:       game,
		ViewerCount:  viewers,
		Language:     "en",
		StartedAt:    t0,
		DateScraped:  at,
		TagIDs:       tags,
	}
}

func insertSnapshots(t *testing.T, s *store.Store, snaps ...records.Snapshot) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		for _, snap := range snaps {
			if err := tx.InsertSnapshot(context.Background(), snap); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert snapshots: %v", err)
	}
}

func countRows(t *testing.T, database *sql.DB, q string, args ...any) int {
	t.Helper()
	var n int
	if err := database.QueryRow(q, args...).Scan(&n); err != nil {
		t.Fatalf("%s: %v", q, err)
	}
	return n
}

func TestAppendGatedPostgres(t *testing.T) {
	tests := []struct {
		name   string
		tables store.Tables
		series string
		values []any
		latest string
	}{
		{
			name:   "text",
			tables: store.TwitchTables,
			series: records.ProjTwitchBroadcasterType,
			values: []any{"affiliate", "affiliate", "partner", "partner", "partner", "affiliate"},
			latest: "affiliate",
		},
		{
			name:   "boolean",
			tables: store.MixerTables,
			series: records.ProjMixerPartnered,
			values: []any{false, false, true, true, true, false},
			latest: "false",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database, s := setup(t, tt.tables)
			series, ok := tt.tables.SeriesNamed(tt.series)
			if !ok || !series.Gated {
				t.Fatalf("series %q missing or ungated", tt.series)
			}
			var wrote []bool
			for i, v := range tt.values {
				p := store.Point{EntityID: 7, DateScraped: t0.Add(time.Duration(i) * time.Minute), Value: v}
				err := s.WithTx(context.Background(), func(tx store.Tx) error {
					ok, err := store.AppendGated(context.Background(), tx, series, p)
					wrote = append(wrote, ok)
					return err
				})
				if err != nil {
					t.Fatalf("AppendGated(%v) error = %v", v, err)
				}
			}
			if want := []bool{true, false, true, false, false, true}; !reflect.DeepEqual(wrote, want) {
				t.Errorf("written = %v, want %v", wrote, want)
			}
			if n := countRows(t, database, "SELECT COUNT(*) FROM "+series.Table+" WHERE entity_id = 7"); n != 3 {
				t.Errorf("%s rows = %d, want 3", series.Table, n)
			}
			got, ok, err := s.MostRecentValue(context.Background(), series, 7)
			if err != nil || !ok || got != tt.latest {
				t.Errorf("MostRecentValue() = %q, %v, %v; want %q", got, ok, err, tt.latest)
			}
		})
	}
}

func TestCompactionCandidatesPostgres(t *testing.T) {
	_, s := setup(t, store.TwitchTables)
	insertSnapshots(t, s,
		snapshot(1, t0, 5, 1),
		snapshot(1, t0.Add(time.Hour), 5, 1),
		snapshot(2, t0.Add(-time.Hour), 5, 1),
		// still live at the cutoff
		snapshot(3, t0, 5, 1),
		snapshot(3, t0.Add(3*time.Hour), 5, 1),
	)
	cutoff := t0.Add(2 * time.Hour)

	ids, err := s.CompactionCandidates(context.Background(), cutoff, 10)
	if err != nil {
		t.Fatalf("CompactionCandidates() error = %v", err)
	}
	if want := []int64{2, 1}; !reflect.DeepEqual(ids, want) {
		t.Errorf("candidates = %v, want %v (oldest last snapshot first)", ids, want)
	}
	ids, err = s.CompactionCandidates(context.Background(), cutoff, 1)
	if err != nil || !reflect.DeepEqual(ids, []int64{2}) {
		t.Errorf("limited candidates = %v, %v; want [2]", ids, err)
	}
}

func TestSnapshotsAndDeletePostgres(t *testing.T) {
	database, s := setup(t, store.TwitchTables)
	bare := snapshot(4, t0.Add(time.Minute), records.NoGame, 3)
	bare.StartedAt = time.Time{}
	bare.Language = ""
	insertSnapshots(t, s,
		snapshot(4, t0, 9, 10, 3, 1, 2),
		bare,
		snapshot(4, t0.Add(2*time.Minute), 9, 12),
		snapshot(5, t0, 9, 1),
	)

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		snaps, err := tx.Snapshots(context.Background(), 4)
		if err != nil {
			return err
		}
		if len(snaps) != 3 {
			return fmt.Errorf("snapshots = %d, want 3", len(snaps))
		}
		if got := snaps[0]; got.GameID != 9 || !reflect.DeepEqual(got.TagIDs, []int{3, 1, 2}) || !got.StartedAt.Equal(t0) || got.ID == 0 {
			t.Errorf("first snapshot = %+v", got)
		}
		if got := snaps[1]; got.GameID != records.NoGame || !got.StartedAt.IsZero() || got.Language != "" || len(got.TagIDs) != 0 {
			t.Errorf("snapshot with NULL game and start = %+v", got)
		}

		n, err := tx.DeleteSnapshots(context.Background(), 4, snaps[1].DateScraped)
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("DeleteSnapshots() = %d, want 2", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
	if n := countRows(t, database, "SELECT COUNT(*) FROM twitch_livestream_snapshots WHERE livestream_id = 4"); n != 1 {
		t.Errorf("livestream 4 snapshots left = %d, want 1", n)
	}
	if n := countRows(t, database, "SELECT COUNT(*) FROM twitch_livestream_snapshots WHERE livestream_id = 5"); n != 1 {
		t.Errorf("livestream 5 snapshots left = %d, want 1", n)
	}
}

func TestWithTxRollsBackPostgres(t *testing.T) {
	database, s := setup(t, store.TwitchTables)
	errBoom := errors.New("boom")
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertSnapshot(context.Background(), snapshot(6, t0, 1, 1)); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("WithTx() error = %v, want the callback error", err)
	}
	if n := countRows(t, database, "SELECT COUNT(*) FROM twitch_livestream_snapshots"); n != 0 {
		t.Errorf("rolled back snapshots visible: %d", n)
	}
}

func TestInsertReturningTagPostgres(t *testing.T) {
	_, s := setup(t, store.TwitchTables)
	insertTag := func(uuid string, auto bool) int64 {
		t.Helper()
		var id int64
		err := s.WithTx(context.Background(), func(tx store.Tx) error {
			var err error
			id, err = tx.InsertReturning(context.Background(), store.KindTag, []any{uuid, auto, `{"en-us":"English"}`, `{}`})
			return err
		})
		if err != nil {
			t.Fatalf("InsertReturning(%s) error = %v", uuid, err)
		}
		return id
	}

	first := insertTag("6ea6bca4-4712-4ab9-a906-e3336a9d8039", true)
	second := insertTag("a59f1e4e-257b-4bd0-90c7-189c3efbf917", false)
	if first == 0 || second == first {
		t.Fatalf("ids = %d, %d; want two distinct generated ids", first, second)
	}
	if again := insertTag("6ea6bca4-4712-4ab9-a906-e3336a9d8039", true); again != first {
		t.Errorf("re-insert id = %d, want existing %d", again, first)
	}

	known, err := s.KnownTags(context.Background())
	if err != nil {
		t.Fatalf("KnownTags() error = %v", err)
	}
	if len(known) != 2 || int64(known["6ea6bca4-4712-4ab9-a906-e3336a9d8039"]) != first {
		t.Errorf("KnownTags() = %v", known)
	}
}

// lateGateway commits one more snapshot from another connection right after
// the compaction pass has read a livestream.
type lateGateway struct {
	*store.Store
	late records.Snapshot
}

func (g lateGateway) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return g.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(lateTx{Tx: tx, g: g})
	})
}

type lateTx struct {
	store.Tx
	g lateGateway
}

func (tx lateTx) Snapshots(ctx context.Context, id int64) ([]records.Snapshot, error) {
	snaps, err := tx.Tx.Snapshots(ctx, id)
	if err != nil || id != tx.g.late.LivestreamID {
		return snaps, err
	}
	if err := store.New(tx.g.DB(), tx.g.Tables()).WithTx(ctx, func(other store.Tx) error {
		return other.InsertSnapshot(ctx, tx.g.late)
	}); err != nil {
		return nil, err
	}
	return snaps, nil
}

func TestCompactionPostgres(t *testing.T) {
	database, s := setup(t, store.TwitchTables)
	insertSnapshots(t, s,
		snapshot(42, t0, 7, 10, 1, 2),
		snapshot(42, t0.Add(10*time.Minute), 7, 30, 1, 2),
		snapshot(42, t0.Add(20*time.Minute), records.NoGame, 20),
		snapshot(42, t0.Add(30*time.Minute), 7, 5, 2),
	)
	late := snapshot(42, t0.Add(40*time.Minute), 7, 8)

	c := &compact.Compactor{
		Store:    lateGateway{Store: s, late: late},
		Platform: "twitch",
		Grace:    time.Hour,
		Now:      func() time.Time { return t0.Add(2 * time.Hour) },
	}
	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res != (compact.Result{Livestreams: 1, Snapshots: 4, Sessions: 3}) {
		t.Errorf("result = %+v", res)
	}

	rows, err := database.Query(`SELECT game_id, date_started, date_ended, min_viewers, max_viewers, tag_ids, viewer_counts
		FROM twitch_livestreams WHERE livestream_id = 42 ORDER BY date_started`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	type session struct {
		game         sql.NullInt64
		started, end time.Time
		min, max     int
		tags, counts pq.Int64Array
	}
	var got []session
	for rows.Next() {
		var row session
		if err := rows.Scan(&row.game, &row.started, &row.end, &row.min, &row.max, &row.tags, &row.counts); err != nil {
			t.Fatal(err)
		}
		got = append(got, row)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("sessions = %d, want 3", len(got))
	}
	first := got[0]
	if first.game.Int64 != 7 || !first.started.Equal(t0) || !first.end.Equal(t0.Add(10*time.Minute)) || first.min != 10 || first.max != 30 {
		t.Errorf("first session = %+v", first)
	}
	if !reflect.DeepEqual(first.tags, pq.Int64Array{1, 2}) || !reflect.DeepEqual(first.counts, pq.Int64Array{10, 30}) {
		t.Errorf("first session arrays = %v %v", first.tags, first.counts)
	}
	if got[1].game.Valid {
		t.Errorf("second session game = %v, want NULL", got[1].game)
	}

	var left []time.Time
	srows, err := database.Query("SELECT date_scraped FROM twitch_livestream_snapshots WHERE livestream_id = 42")
	if err != nil {
		t.Fatal(err)
	}
	defer srows.Close()
	for srows.Next() {
		var at time.Time
		if err := srows.Scan(&at); err != nil {
			t.Fatal(err)
		}
		left = append(left, at)
	}
	if len(left) != 1 || !left[0].Equal(late.DateScraped) {
		t.Errorf("remaining snapshots = %v, want only the late one", left)
	}

	logs, err := s.LatestRunLogs(context.Background())
	if err != nil {
		t.Fatalf("LatestRunLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].Procedure != compact.Procedure || logs[0].Counters["snapshots_deleted"] != 4 {
		t.Errorf("run logs = %+v", logs)
	}
}

func TestCountLogPostgres(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database, "count_logs", store.SharedTables.RunLogs)
	cl := store.NewCountLog(database)

	if _, ok, err := cl.Previous(context.Background(), "twitch_streamers"); ok || err != nil {
		t.Fatalf("Previous() on empty log = %v, %v", ok, err)
	}
	rl := records.RunLog{
		Procedure:     "Log Table Counts",
		RunID:         "run-1",
		TimeStarted:   t0,
		TimeCompleted: t0.Add(time.Second),
		Counters:      map[string]int{"counts": 2},
	}
	if err := cl.Record(context.Background(), t0, map[string]int64{"twitch_streamers": 5, "twitch_games": 2}, rl); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	rl.RunID, rl.TimeCompleted = "run-2", t0.Add(time.Hour)
	if err := cl.Record(context.Background(), t0.Add(time.Hour), map[string]int64{"twitch_streamers": 9}, rl); err != nil {
		t.Fatalf("second Record() error = %v", err)
	}

	n, ok, err := cl.Previous(context.Background(), "twitch_streamers")
	if err != nil || !ok || n != 9 {
		t.Errorf("Previous(twitch_streamers) = %d, %v, %v; want 9", n, ok, err)
	}
	logs, err := cl.LatestRunLogs(context.Background())
	if err != nil {
		t.Fatalf("LatestRunLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].RunID != "run-2" || logs[0].Counters["counts"] != 2 {
		t.Errorf("latest shared run logs = %+v", logs)
	}
	if n := countRows(t, database, "SELECT COUNT(*) FROM count_logs"); n != 3 {
		t.Errorf("count_logs rows = %d, want 3", n)
	}
}

func TestLatestRunLogsUndecodableColumn(t *testing.T) {
	database, s := setup(t, store.TwitchTables)
	_, err := database.Exec(`INSERT INTO twitch_run_logs (procedure_name, run_id, time_started, time_completed, timings, counters)
		VALUES ('Scrape Livestreams', 'r1', $1, $1, '[1, 2]', '{"snapshots": 4}')`, t0)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	logs, err := s.LatestRunLogs(context.Background())
	if err != nil {
		t.Fatalf("LatestRunLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].Timings != nil || logs[0].Counters["snapshots"] != 4 {
		t.Errorf("run logs = %+v", logs)
	}
	if out := buf.String(); !strings.Contains(out, "level=WARN") || !strings.Contains(out, "column=timings") {
		t.Errorf("warning not logged: %q", out)
	}
}

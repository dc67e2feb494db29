package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/streamscraper/records"
)

// Tx is the write side of the gateway, valid for the duration of a WithTx
// callback. Unknown kinds are ignored.
type Tx interface {
	PointWriter

	Insert(ctx context.Context, kind string, tuple []any) error
	InsertReturning(ctx context.Context, kind string, tuple []any) (int64, error)
	Update(ctx context.Context, kind string, tuple []any) error
	Touch(ctx context.Context, kind string, ids []int64) error
	MarkScraped(ctx context.Context, kind string, ids []int64, at time.Time) error

	InsertSnapshot(ctx context.Context, snap records.Snapshot) error
	InsertGameSnapshot(ctx context.Context, g records.GameSnapshot) error

	Snapshots(ctx context.Context, livestreamID int64) ([]records.Snapshot, error)
	InsertSession(ctx context.Context, s records.Session) error
	DeleteSnapshots(ctx context.Context, livestreamID int64, through time.Time) (int64, error)

	InsertRunLog(ctx context.Context, rl records.RunLog) error
}

type tx struct {
	tx     *sql.Tx
	tables Tables
}

func (t *tx) Insert(ctx context.Context, kind string, tuple []any) error {
	k, ok := t.tables.Kind(kind)
	if !ok || len(tuple) != len(k.InsertCols) {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, insertSQL(k, ""), tuple...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	return nil
}

func (t *tx) InsertReturning(ctx context.Context, kind string, tuple []any) (int64, error) {
	k, ok := t.tables.Kind(kind)
	if !ok || k.Returning == "" || len(tuple) != len(k.InsertCols) {
		return 0, nil
	}
	// DO UPDATE on a no-op column so RETURNING yields the id of an existing row.
	q := insertSQL(k, fmt.Sprintf("ON CONFLICT (%[1]s) DO UPDATE SET %[1]s = EXCLUDED.%[1]s RETURNING %[2]s", k.IDCol, k.Returning))
	var id int64
	if err := t.tx.QueryRowContext(ctx, q, tuple...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert %s: %w", kind, err)
	}
	return id, nil
}

func insertSQL(k Kind, conflict string) string {
	cols := append([]string(nil), k.InsertCols...)
	vals := placeholders(1, len(cols))
	if k.UpdatedCol != "" {
		cols = append(cols, k.UpdatedCol)
		vals += ", NOW()"
	}
	if conflict == "" {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", k.IDCol)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s", k.Table, strings.Join(cols, ", "), vals, conflict)
}

func (t *tx) Update(ctx context.Context, kind string, tuple []any) error {
	k, ok := t.tables.Kind(kind)
	if !ok || len(k.UpdateCols) == 0 || len(tuple) != len(k.UpdateCols)+1 {
		return nil
	}
	sets := make([]string, 0, len(k.UpdateCols)+1)
	for i, c := range k.UpdateCols {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
	}
	if k.UpdatedCol != "" {
		sets = append(sets, k.UpdatedCol+" = NOW()")
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d", k.Table, strings.Join(sets, ", "), k.IDCol, len(tuple))
	if _, err := t.tx.ExecContext(ctx, q, tuple...); err != nil {
		return fmt.Errorf("update %s: %w", kind, err)
	}
	return nil
}

func (t *tx) Touch(ctx context.Context, kind string, ids []int64) error {
	k, ok := t.tables.Kind(kind)
	if !ok || k.UpdatedCol == "" || len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf("UPDATE %s SET %s = NOW() WHERE %s = ANY($1)", k.Table, k.UpdatedCol, k.IDCol)
	if _, err := t.tx.ExecContext(ctx, q, pq.Array(ids)); err != nil {
		return fmt.Errorf("touch %s: %w", kind, err)
	}
	return nil
}

func (t *tx) MarkScraped(ctx context.Context, kind string, ids []int64, at time.Time) error {
	k, ok := t.tables.Kind(kind)
	if !ok || k.ScrapedCol == "" || len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = ANY($2)", k.Table, k.ScrapedCol, k.IDCol)
	if _, err := t.tx.ExecContext(ctx, q, at, pq.Array(ids)); err != nil {
		return fmt.Errorf("mark %s scraped: %w", kind, err)
	}
	return nil
}

func (t *tx) LatestValue(ctx context.Context, s Series, entityID int64) (string, bool, error) {
	return latestValue(ctx, t.tx, s, entityID)
}

func (t *tx) AppendPoint(ctx context.Context, s Series, p Point) error {
	q := fmt.Sprintf("INSERT INTO %s (entity_id, date_scraped, value) VALUES ($1, $2, $3)", s.Table)
	if _, err := t.tx.ExecContext(ctx, q, p.EntityID, p.DateScraped, p.Value); err != nil {
		return fmt.Errorf("append %s: %w", s.Name, err)
	}
	return nil
}

func (t *tx) InsertSnapshot(ctx context.Context, snap records.Snapshot) error {
	q := fmt.Sprintf(`INSERT INTO %s (livestream_id, streamer_id, game_id, viewer_count, language, started_at, date_scraped, tag_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, t.tables.Snapshots)
	args := append(snap.Tuple(), intArray(snap.TagIDs))
	if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert snapshot %d: %w", snap.LivestreamID, err)
	}
	return nil
}

func (t *tx) InsertGameSnapshot(ctx context.Context, g records.GameSnapshot) error {
	q := fmt.Sprintf(`INSERT INTO %s (game_id, date_initialized, num_items, num_zero, total, min, max, median, mean, std_dev)
		VALUES (%s)`, t.tables.GameSnapshots, placeholders(1, 10))
	if _, err := t.tx.ExecContext(ctx, q, g.Tuple()...); err != nil {
		return fmt.Errorf("insert game snapshot %d: %w", g.GameID, err)
	}
	return nil
}

func (t *tx) Snapshots(ctx context.Context, livestreamID int64) ([]records.Snapshot, error) {
	q := fmt.Sprintf(`SELECT id, livestream_id, streamer_id, game_id, viewer_count, language, started_at, date_scraped, tag_ids
		FROM %s WHERE livestream_id = $1 ORDER BY date_scraped, id FOR UPDATE`, t.tables.Snapshots)
	rows, err := t.tx.QueryContext(ctx, q, livestreamID)
	if err != nil {
		return nil, fmt.Errorf("snapshots of %d: %w", livestreamID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []records.Snapshot
	for rows.Next() {
		var s records.Snapshot
		var game sql.NullInt64
		var lang sql.NullString
		var started sql.NullTime
		var tags pq.Int64Array
		if err := rows.Scan(&s.ID, &s.LivestreamID, &s.StreamerID, &game, &s.ViewerCount, &lang, &started, &s.DateScraped, &tags); err != nil {
			return nil, err
		}
		s.GameID = records.NoGame
		if game.Valid {
			s.GameID = game.Int64
		}
		s.Language = lang.String
		if started.Valid {
			s.StartedAt = started.Time
		}
		s.TagIDs = ints(tags)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *tx) InsertSession(ctx context.Context, s records.Session) error {
	q := fmt.Sprintf(`INSERT INTO %s (livestream_id, streamer_id, game_id, language, date_started, date_ended, min_viewers, max_viewers, tag_ids, viewer_counts)
		VALUES (%s)`, t.tables.Sessions, placeholders(1, 10))
	args := append(s.Tuple(), intArray(s.TagIDs), intArray(s.ViewerCounts))
	if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert session %d: %w", s.LivestreamID, err)
	}
	return nil
}

// DeleteSnapshots removes the livestream's snapshots scraped at or before
// through, leaving any written after the caller's read untouched.
func (t *tx) DeleteSnapshots(ctx context.Context, livestreamID int64, through time.Time) (int64, error) {
	q := fmt.Sprintf("DELETE FROM %s WHERE livestream_id = $1 AND date_scraped <= $2", t.tables.Snapshots)
	res, err := t.tx.ExecContext(ctx, q, livestreamID, through)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots of %d: %w", livestreamID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (t *tx) InsertRunLog(ctx context.Context, rl records.RunLog) error {
	return insertRunLog(ctx, t.tx, t.tables.RunLogs, rl)
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/onnwee/streamscraper/records"
)

// Count returns the row count of a registry table. Tables outside the
// registry are refused.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if !slices.Contains(s.tables.All(), table) {
		return 0, fmt.Errorf("table %q not in %s registry", table, s.tables.Platform)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// CountLog stores periodic row counts of the scraped tables.
type CountLog struct {
	db *sql.DB
}

// NewCountLog wraps the count-log database.
func NewCountLog(db *sql.DB) *CountLog { return &CountLog{db: db} }

// DB exposes the handle for health checks.
func (c *CountLog) DB() *sql.DB { return c.db }

// Previous returns the most recent logged count of table.
func (c *CountLog) Previous(ctx context.Context, table string) (int64, bool, error) {
	var n int64
	err := c.db.QueryRowContext(ctx,
		"SELECT row_count FROM count_logs WHERE table_name = $1 ORDER BY date_scraped DESC LIMIT 1", table).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("previous count %s: %w", table, err)
	}
	return n, true, nil
}

// Record writes every count and the run log of the counting pass in one
// transaction.
func (c *CountLog) Record(ctx context.Context, at time.Time, counts map[string]int64, rl records.RunLog) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	rollback := func(err error) error {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("rollback failed", slog.Any("err", rbErr), slog.String("component", "store"))
		}
		return err
	}
	for _, table := range slices.Sorted(maps.Keys(counts)) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO count_logs (table_name, date_scraped, row_count) VALUES ($1, $2, $3)", table, at, counts[table]); err != nil {
			return rollback(fmt.Errorf("log count %s: %w", table, err))
		}
	}
	if err := insertRunLog(ctx, tx, SharedTables.RunLogs, rl); err != nil {
		return rollback(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Tables returns SharedTables.
func (c *CountLog) Tables() Tables { return SharedTables }

// InsertRunLog appends one run log to the shared run log table.
func (c *CountLog) InsertRunLog(ctx context.Context, rl records.RunLog) error {
	return insertRunLog(ctx, c.db, SharedTables.RunLogs, rl)
}

// LatestRunLogs returns the newest shared run log of every procedure.
func (c *CountLog) LatestRunLogs(ctx context.Context) ([]records.RunLog, error) {
	return latestRunLogs(ctx, c.db, SharedTables.RunLogs)
}

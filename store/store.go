// Package store is the persistence gateway for scraped data. Each platform
// has its own Store bound to a table registry; writes of one procedure run go
// through a single transaction.
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

// IDSet is a set of entity ids.
type IDSet map[int64]struct{}

// Has reports membership.
func (s IDSet) Has(id int64) bool { _, ok := s[id]; return ok }

// Add inserts id.
func (s IDSet) Add(id int64) { s[id] = struct{}{} }

// Store reads and writes one platform's tables.
type Store struct {
	db     *sql.DB
	tables Tables
}

// New binds a database handle to a registry.
func New(db *sql.DB, tables Tables) *Store {
	return &Store{db: db, tables: tables}
}

// Tables returns the registry.
func (s *Store) Tables() Tables { return s.tables }

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// KnownIDs returns every stored id of the kind.
func (s *Store) KnownIDs(ctx context.Context, kind string) (IDSet, error) {
	k, ok := s.tables.Kind(kind)
	if !ok {
		return IDSet{}, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", k.IDCol, k.Table))
	if err != nil {
		return nil, fmt.Errorf("known %s ids: %w", kind, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := IDSet{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out.Add(id)
	}
	return out, rows.Err()
}

// KnownTags maps tag UUIDs to their stored integer ids.
func (s *Store) KnownTags(ctx context.Context) (map[string]int, error) {
	k, ok := s.tables.Kind(KindTag)
	if !ok {
		return map[string]int{}, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s, %s FROM %s", k.IDCol, k.Returning, k.Table))
	if err != nil {
		return nil, fmt.Errorf("known tags: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := map[string]int{}
	for rows.Next() {
		var uuid string
		var id int
		if err := rows.Scan(&uuid, &id); err != nil {
			return nil, err
		}
		out[uuid] = id
	}
	return out, rows.Err()
}

// MostRecentValue returns the latest value of a series for an entity.
func (s *Store) MostRecentValue(ctx context.Context, series Series, entityID int64) (string, bool, error) {
	return latestValue(ctx, s.db, series, entityID)
}

// StaleIDs lists ids of the kind whose update stamp is older than before,
// oldest first.
func (s *Store) StaleIDs(ctx context.Context, kind string, before time.Time, limit int) ([]int64, error) {
	k, ok := s.tables.Kind(kind)
	if !ok || k.UpdatedCol == "" {
		return nil, nil
	}
	q := fmt.Sprintf("SELECT %[1]s FROM %[2]s WHERE %[3]s < $1 ORDER BY %[3]s ASC LIMIT $2", k.IDCol, k.Table, k.UpdatedCol)
	return s.queryIDs(ctx, q, before, limit)
}

// LeastRecentlyScraped lists ids of the kind ordered by their dependent
// scrape stamp, never-scraped first.
func (s *Store) LeastRecentlyScraped(ctx context.Context, kind string, limit int) ([]int64, error) {
	k, ok := s.tables.Kind(kind)
	if !ok || k.ScrapedCol == "" {
		return nil, nil
	}
	q := fmt.Sprintf("SELECT %[1]s FROM %[2]s ORDER BY %[3]s ASC NULLS FIRST, %[1]s LIMIT $1", k.IDCol, k.Table, k.ScrapedCol)
	return s.queryIDs(ctx, q, limit)
}

// StalestInSeries lists streamer ids ordered by the age of their latest point
// in the series, entities without points first.
func (s *Store) StalestInSeries(ctx context.Context, series Series, limit int) ([]int64, error) {
	k, ok := s.tables.Kind(KindStreamer)
	if !ok {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT s.%[1]s FROM %[2]s s
		LEFT JOIN (SELECT entity_id, MAX(date_scraped) AS last FROM %[3]s GROUP BY entity_id) p ON p.entity_id = s.%[1]s
		ORDER BY p.last ASC NULLS FIRST, s.%[1]s LIMIT $1`, k.IDCol, k.Table, series.Table)
	return s.queryIDs(ctx, q, limit)
}

// CompactionCandidates returns livestream ids whose newest snapshot is older
// than cutoff, oldest first, at most limit of them.
func (s *Store) CompactionCandidates(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	q := fmt.Sprintf(`SELECT livestream_id FROM %s GROUP BY livestream_id
		HAVING MAX(date_scraped) < $1 ORDER BY MAX(date_scraped) ASC LIMIT $2`, s.tables.Snapshots)
	return s.queryIDs(ctx, q, cutoff, limit)
}

// LatestRunLogs returns the most recent run log of every procedure.
func (s *Store) LatestRunLogs(ctx context.Context) ([]records.RunLog, error) {
	return latestRunLogs(ctx, s.db, s.tables.RunLogs)
}

// WithTx runs fn in one transaction. Any error from fn rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&tx{tx: sqlTx, tables: s.tables}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			slog.Warn("rollback failed", slog.Any("err", rbErr), slog.String("component", "store"))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) queryIDs(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestValue(ctx context.Context, q querier, series Series, entityID int64) (string, bool, error) {
	var v sql.NullString
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value::text FROM %s WHERE entity_id = $1 ORDER BY date_scraped DESC LIMIT 1", series.Table),
		entityID).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}

func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

func intArray(v []int) any {
	a := make([]int64, len(v))
	for i, x := range v {
		a[i] = int64(x)
	}
	return pq.Array(a)
}

func ints(a pq.Int64Array) []int {
	out := make([]int, len(a))
	for i, x := range a {
		out[i] = int(x)
	}
	return out
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/onnwee/streamscraper/records"
)

// SharedTables is the registry of the count-log database. It only holds the
// run logs of the procedures that span platforms.
var SharedTables = Tables{
	Platform: "scraper",
	RunLogs:  "scraper_run_logs",
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func insertRunLog(ctx context.Context, db execer, table string, rl records.RunLog) error {
	timings, err := json.Marshal(rl.Timings)
	if err != nil {
		return err
	}
	counters, err := json.Marshal(rl.Counters)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (procedure_name, run_id, time_started, time_completed, timings, counters)
		VALUES ($1, $2, $3, $4, $5, $6)`, table)
	if _, err := db.ExecContext(ctx, q, rl.Procedure, rl.RunID, rl.TimeStarted, rl.TimeCompleted, string(timings), string(counters)); err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

// latestRunLogs reads the newest run log of every procedure in table. A
// corrupt JSON column is logged and left empty; the row is still returned.
func latestRunLogs(ctx context.Context, db rowsQuerier, table string) ([]records.RunLog, error) {
	q := fmt.Sprintf(`SELECT DISTINCT ON (procedure_name) procedure_name, run_id, time_started, time_completed, timings, counters
		FROM %s ORDER BY procedure_name, time_completed DESC`, table)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("latest run logs: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []records.RunLog
	for rows.Next() {
		var rl records.RunLog
		var timings, counters []byte
		if err := rows.Scan(&rl.Procedure, &rl.RunID, &rl.TimeStarted, &rl.TimeCompleted, &timings, &counters); err != nil {
			return nil, err
		}
		decodeRunLogColumn(table, rl, "timings", timings, &rl.Timings)
		decodeRunLogColumn(table, rl, "counters", counters, &rl.Counters)
		out = append(out, rl)
	}
	return out, rows.Err()
}

func decodeRunLogColumn(table string, rl records.RunLog, column string, raw []byte, dst any) {
	if len(raw) == 0 {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		slog.Warn("undecodable run log column",
			slog.String("table", table),
			slog.String("column", column),
			slog.String("procedure", rl.Procedure),
			slog.String("run_id", rl.RunID),
			slog.Any("err", err),
			slog.String("component", "store"))
	}
}

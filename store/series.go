package store

import (
	"context"
	"fmt"
	"time"
)

// Series is a registered time-series table with columns
// (entity_id, date_scraped, value). Gated series only grow when the value
// changes, so a missing point means "same as the previous one".
type Series struct {
	Name  string
	Table string
	Gated bool
}

// Point is one observation of a series.
type Point struct {
	EntityID    int64
	DateScraped time.Time
	Value       any
}

// PointFromTuple converts an (entity_id, value) projection into a point.
func PointFromTuple(tuple []any, at time.Time) (Point, bool) {
	if len(tuple) != 2 {
		return Point{}, false
	}
	id, ok := tuple[0].(int64)
	if !ok {
		return Point{}, false
	}
	return Point{EntityID: id, DateScraped: at, Value: tuple[1]}, true
}

// canonical is the text form used to compare values, matching Postgres'
// value::text output for integers, booleans and text.
func canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}

// PointWriter is the subset of Tx used for time-series writes.
type PointWriter interface {
	LatestValue(ctx context.Context, s Series, entityID int64) (string, bool, error)
	AppendPoint(ctx context.Context, s Series, p Point) error
}

// AppendGated writes p only when the series has no point for the entity yet
// or the latest value differs. It reports whether a point was written.
// Calling it on an ungated series does nothing.
func AppendGated(ctx context.Context, w PointWriter, s Series, p Point) (bool, error) {
	if !s.Gated {
		return false, nil
	}
	last, ok, err := w.LatestValue(ctx, s, p.EntityID)
	if err != nil {
		return false, fmt.Errorf("latest %s for %d: %w", s.Name, p.EntityID, err)
	}
	if ok && last == canonical(p.Value) {
		return false, nil
	}
	if err := w.AppendPoint(ctx, s, p); err != nil {
		return false, err
	}
	return true, nil
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// memPoints is an in-memory PointWriter.
type memPoints struct {
	points  map[string][]Point
	readErr error
}

func newMemPoints() *memPoints { return &memPoints{points: map[string][]Point{}} }

func (m *memPoints) LatestValue(_ context.Context, s Series, entityID int64) (string, bool, error) {
	if m.readErr != nil {
		return "", false, m.readErr
	}
	pts := m.points[s.Table]
	for i := len(pts) - 1; i >= 0; i-- {
		if pts[i].EntityID == entityID {
			return canonical(pts[i].Value), true, nil
		}
	}
	return "", false, nil
}

func (m *memPoints) AppendPoint(_ context.Context, s Series, p Point) error {
	m.points[s.Table] = append(m.points[s.Table], p)
	return nil
}

func TestAppendGated_WritesOnlyChanges(t *testing.T) {
	ctx := context.Background()
	w := newMemPoints()
	s := TwitchTables.Series["broadcaster_type"]

	values := []string{"v1", "v1", "v2", "v2", "v2", "v1"}
	wantWrote := []bool{true, false, true, false, false, true}
	for i, v := range values {
		wrote, err := AppendGated(ctx, w, s, Point{EntityID: 9, DateScraped: time.Unix(int64(i), 0), Value: v})
		if err != nil {
			t.Fatalf("AppendGated(%d) error: %v", i, err)
		}
		if wrote != wantWrote[i] {
			t.Errorf("step %d wrote = %v, want %v", i, wrote, wantWrote[i])
		}
	}
	if got := len(w.points[s.Table]); got != 3 {
		t.Fatalf("stored %d points, want 3", got)
	}
	want := []string{"v1", "v2", "v1"}
	for i, p := range w.points[s.Table] {
		if p.Value != want[i] {
			t.Errorf("point %d = %v, want %v", i, p.Value, want[i])
		}
	}
}

func TestAppendGated_PerEntity(t *testing.T) {
	ctx := context.Background()
	w := newMemPoints()
	s := MixerTables.Series["partnered"]
	for _, id := range []int64{1, 2, 1, 2} {
		if _, err := AppendGated(ctx, w, s, Point{EntityID: id, Value: true}); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(w.points[s.Table]); got != 2 {
		t.Errorf("stored %d points, want one per entity", got)
	}
}

func TestAppendGated_UngatedSeriesIsNoop(t *testing.T) {
	w := newMemPoints()
	s := TwitchTables.Series["views"]
	wrote, err := AppendGated(context.Background(), w, s, Point{EntityID: 1, Value: int64(5)})
	if err != nil || wrote {
		t.Fatalf("AppendGated on ungated series = %v, %v; want false, nil", wrote, err)
	}
	if len(w.points) != 0 {
		t.Error("ungated series should not be written through AppendGated")
	}
}

func TestAppendGated_ReadError(t *testing.T) {
	w := newMemPoints()
	w.readErr = errors.New("boom")
	_, err := AppendGated(context.Background(), w, MixerTables.Series["partnered"], Point{EntityID: 1, Value: false})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{true, "true"},
		{false, "false"},
		{int64(42), "42"},
		{7, "7"},
		{"affiliate", "affiliate"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := canonical(tt.in); got != tt.want {
			t.Errorf("canonical(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPointFromTuple(t *testing.T) {
	at := time.Unix(10, 0)
	p, ok := PointFromTuple([]any{int64(3), "partner"}, at)
	if !ok || p.EntityID != 3 || p.Value != "partner" || !p.DateScraped.Equal(at) {
		t.Errorf("PointFromTuple = %+v, %v", p, ok)
	}
	if _, ok := PointFromTuple([]any{"x", 1}, at); ok {
		t.Error("non-int64 entity id should be rejected")
	}
	if _, ok := PointFromTuple([]any{int64(1)}, at); ok {
		t.Error("short tuple should be rejected")
	}
}

func TestTablesRegistry(t *testing.T) {
	for _, tables := range []Tables{TwitchTables, MixerTables} {
		seen := map[string]bool{}
		for _, name := range tables.All() {
			if seen[name] {
				t.Errorf("%s: table %s registered twice", tables.Platform, name)
			}
			seen[name] = true
		}
		gated := 0
		for _, s := range tables.Series {
			if s.Gated {
				gated++
			}
		}
		if gated != 1 {
			t.Errorf("%s: %d gated series, want 1", tables.Platform, gated)
		}
		if _, ok := tables.Kind("nope"); ok {
			t.Errorf("%s: unknown kind resolved", tables.Platform)
		}
	}
}

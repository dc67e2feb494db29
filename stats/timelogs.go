package stats

import (
	"math"
	"sort"
	"sync"
	"time"
)

type interval struct {
	start, end int64 // ms since epoch
	closed     bool
}

// ActionStats summarizes the closed intervals recorded for one action.
// Durations and timestamps are milliseconds.
type ActionStats struct {
	N          int     `json:"n"`
	Min        int64   `json:"min"`
	Max        int64   `json:"max"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"std_dev"`
	FirstStart int64   `json:"first_start"`
	LastEnd    int64   `json:"last_end"`
}

// TimeLogs records named, possibly repeated, timed actions during one run.
// All methods are safe on a nil receiver, which records nothing. The zero
// value is ready to use; its run clock starts on first use.
type TimeLogs struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	actions map[string][]interval
}

// NewTimeLogs returns a recorder. Categories are pre-registered so they show
// up in ordering even before their first action.
func NewTimeLogs(categories ...string) *TimeLogs {
	t := &TimeLogs{now: time.Now, actions: make(map[string][]interval, len(categories))}
	for _, c := range categories {
		t.actions[c] = nil
	}
	t.started = t.now()
	return t
}

// clock returns the time source, initialising a zero-value recorder.
// Callers hold t.mu.
func (t *TimeLogs) clock() func() time.Time {
	if t.now == nil {
		t.now = time.Now
		t.started = t.now()
	}
	if t.actions == nil {
		t.actions = map[string][]interval{}
	}
	return t.now
}

// SetClock replaces the time source. Used by tests.
func (t *TimeLogs) SetClock(now func() time.Time) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.started = now()
}

// StartAction opens an interval for name unless the latest one is still open.
func (t *TimeLogs) StartAction(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ivs := t.actions[name]
	if n := len(ivs); n > 0 && !ivs[n-1].closed {
		return
	}
	now := t.clock()
	t.actions[name] = append(ivs, interval{start: now().UnixMilli()})
}

// EndAction closes the latest interval for name if it is open.
func (t *TimeLogs) EndAction(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ivs := t.actions[name]
	n := len(ivs)
	if n == 0 || ivs[n-1].closed {
		return
	}
	ivs[n-1].end = t.clock()().UnixMilli()
	ivs[n-1].closed = true
}

// Time wraps fn in a start/end pair for name.
func (t *TimeLogs) Time(name string, fn func() error) error {
	t.StartAction(name)
	defer t.EndAction(name)
	return fn()
}

// Reset forgets every interval and restarts the run clock.
func (t *TimeLogs) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.actions {
		t.actions[k] = nil
	}
	t.started = t.clock()()
}

// SinceStart is the elapsed time since construction or the last Reset.
func (t *TimeLogs) SinceStart() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock()().Sub(t.started)
}

// Actions lists the known action names in sorted order.
func (t *TimeLogs) Actions() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.actions))
	for k := range t.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stats returns a summary for every action with at least one closed interval.
// Open intervals are ignored.
func (t *TimeLogs) Stats() map[string]ActionStats {
	out := map[string]ActionStats{}
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, ivs := range t.actions {
		var durs []int64
		var s ActionStats
		for _, iv := range ivs {
			if !iv.closed {
				continue
			}
			if len(durs) == 0 || iv.start < s.FirstStart {
				s.FirstStart = iv.start
			}
			if iv.end > s.LastEnd {
				s.LastEnd = iv.end
			}
			durs = append(durs, iv.end-iv.start)
		}
		if len(durs) == 0 {
			continue
		}
		s.N = len(durs)
		s.Min, s.Max = durs[0], durs[0]
		var total int64
		for _, d := range durs {
			total += d
			if d < s.Min {
				s.Min = d
			}
			if d > s.Max {
				s.Max = d
			}
		}
		mean := float64(total) / float64(s.N)
		s.Mean = round2(mean)
		if s.N > 1 {
			var sq float64
			for _, d := range durs {
				diff := float64(d) - mean
				sq += diff * diff
			}
			s.StdDev = round2(math.Sqrt(sq / float64(s.N-1)))
		}
		out[name] = s
	}
	return out
}

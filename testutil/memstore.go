package testutil

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/store"
)

// ErrInjected is returned by MemStore writes when FailOn matches.
var ErrInjected = errors.New("injected failure")

// MemStore is an in-memory stand-in for store.Store with the same
// transaction semantics: a WithTx callback works on a copy that replaces the
// committed state only when the callback succeeds.
type MemStore struct {
	mu     sync.Mutex
	tables store.Tables
	state  *memState

	// FailOn makes the named Tx method fail, e.g. "InsertSnapshot".
	FailOn  string
	Now     func() time.Time
	Commits int
}

type memState struct {
	rows      map[string]map[string][]any
	updated   map[string]map[int64]time.Time
	scraped   map[string]map[int64]time.Time
	tags      map[string]int
	nextTag   int
	points    map[string][]store.Point
	snaps     []records.Snapshot
	sessions  []records.Session
	gameSnaps []records.GameSnapshot
	runLogs   []records.RunLog
}

func newMemState() *memState {
	return &memState{
		rows:    map[string]map[string][]any{},
		updated: map[string]map[int64]time.Time{},
		scraped: map[string]map[int64]time.Time{},
		tags:    map[string]int{},
		points:  map[string][]store.Point{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, m := range s.rows {
		c.rows[k] = maps.Clone(m)
	}
	for k, m := range s.updated {
		c.updated[k] = maps.Clone(m)
	}
	for k, m := range s.scraped {
		c.scraped[k] = maps.Clone(m)
	}
	c.tags = maps.Clone(s.tags)
	c.nextTag = s.nextTag
	for k, p := range s.points {
		c.points[k] = slices.Clone(p)
	}
	c.snaps = slices.Clone(s.snaps)
	c.sessions = slices.Clone(s.sessions)
	c.gameSnaps = slices.Clone(s.gameSnaps)
	c.runLogs = slices.Clone(s.runLogs)
	return c
}

// NewMemStore returns an empty store bound to a registry.
func NewMemStore(tables store.Tables) *MemStore {
	return &MemStore{tables: tables, state: newMemState(), Now: time.Now}
}

func (m *MemStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func idKey(id any) string { return fmt.Sprint(id) }

// Seed inserts a row directly, stamping its updated column with at.
func (m *MemStore) Seed(kind string, at time.Time, tuple ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.insert(kind, tuple, at)
}

// SeedSnapshots stores snapshots directly.
func (m *MemStore) SeedSnapshots(snaps ...records.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.snaps = append(m.state.snaps, snaps...)
}

// SeedPoint stores a series point directly.
func (m *MemStore) SeedPoint(series string, p store.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.points[series] = append(m.state.points[series], p)
}

// SeedRunLog stores a run log directly.
func (m *MemStore) SeedRunLog(rl records.RunLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.runLogs = append(m.state.runLogs, rl)
}

// SeedTag stores a tag with a fixed id.
func (m *MemStore) SeedTag(uuid string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.tags[uuid] = id
	m.state.nextTag = max(m.state.nextTag, id)
}

func (s *memState) insert(kind string, tuple []any, at time.Time) bool {
	if s.rows[kind] == nil {
		s.rows[kind] = map[string][]any{}
	}
	key := idKey(tuple[0])
	if _, dup := s.rows[kind][key]; dup {
		return false
	}
	s.rows[kind][key] = slices.Clone(tuple)
	if id, ok := tuple[0].(int64); ok {
		if s.updated[kind] == nil {
			s.updated[kind] = map[int64]time.Time{}
		}
		s.updated[kind][id] = at
	}
	return true
}

// Row returns the stored tuple of an entity in insert column order.
func (m *MemStore) Row(kind string, id any) ([]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.rows[kind][idKey(id)]
	return r, ok
}

// RowCount returns the number of stored entities of a kind.
func (m *MemStore) RowCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.rows[kind])
}

// UpdatedAt returns the update stamp of an entity.
func (m *MemStore) UpdatedAt(kind string, id int64) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updated[kind][id]
}

// ScrapedAt returns the dependent scrape stamp of an entity.
func (m *MemStore) ScrapedAt(kind string, id int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.state.scraped[kind][id]
	return t, ok
}

// Points returns the stored points of a series.
func (m *MemStore) Points(series string) []store.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.points[series])
}

// Snapshots returns every stored snapshot.
func (m *MemStore) Snapshots() []records.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.snaps)
}

// Sessions returns every stored session.
func (m *MemStore) Sessions() []records.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.sessions)
}

// GameSnapshots returns every stored game snapshot.
func (m *MemStore) GameSnapshots() []records.GameSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.gameSnaps)
}

// RunLogs returns every stored run log.
func (m *MemStore) RunLogs() []records.RunLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.runLogs)
}

// Tags returns the stored tag ids by UUID.
func (m *MemStore) Tags() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.state.tags)
}

// Reads -----------------------------------------------------------------

func (m *MemStore) Tables() store.Tables { return m.tables }

func (m *MemStore) KnownIDs(_ context.Context, kind string) (store.IDSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := store.IDSet{}
	for _, tuple := range m.state.rows[kind] {
		if id, ok := tuple[0].(int64); ok {
			out.Add(id)
		}
	}
	return out, nil
}

func (m *MemStore) KnownTags(context.Context) (map[string]int, error) {
	return m.Tags(), nil
}

func (m *MemStore) MostRecentValue(_ context.Context, s store.Series, entityID int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.latest(s, entityID)
}

func (m *MemStore) StaleIDs(_ context.Context, kind string, before time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, at := range m.state.updated[kind] {
		if at.Before(before) {
			ids = append(ids, id)
		}
	}
	stamps := m.state.updated[kind]
	sort.Slice(ids, func(i, j int) bool {
		if !stamps[ids[i]].Equal(stamps[ids[j]]) {
			return stamps[ids[i]].Before(stamps[ids[j]])
		}
		return ids[i] < ids[j]
	})
	return head(ids, limit), nil
}

func (m *MemStore) LeastRecentlyScraped(_ context.Context, kind string, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, tuple := range m.state.rows[kind] {
		if id, ok := tuple[0].(int64); ok {
			ids = append(ids, id)
		}
	}
	stamps := m.state.scraped[kind]
	sort.Slice(ids, func(i, j int) bool {
		a, aok := stamps[ids[i]]
		b, bok := stamps[ids[j]]
		if aok != bok {
			return !aok
		}
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ids[i] < ids[j]
	})
	return head(ids, limit), nil
}

func (m *MemStore) StalestInSeries(_ context.Context, s store.Series, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := map[int64]time.Time{}
	for _, p := range m.state.points[s.Name] {
		if p.DateScraped.After(last[p.EntityID]) {
			last[p.EntityID] = p.DateScraped
		}
	}
	var ids []int64
	for _, tuple := range m.state.rows[store.KindStreamer] {
		ids = append(ids, tuple[0].(int64))
	}
	sort.Slice(ids, func(i, j int) bool {
		a, aok := last[ids[i]]
		b, bok := last[ids[j]]
		if aok != bok {
			return !aok
		}
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ids[i] < ids[j]
	})
	return head(ids, limit), nil
}

func (m *MemStore) CompactionCandidates(_ context.Context, cutoff time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := map[int64]time.Time{}
	for _, s := range m.state.snaps {
		if s.DateScraped.After(latest[s.LivestreamID]) {
			latest[s.LivestreamID] = s.DateScraped
		}
	}
	var ids []int64
	for id, at := range latest {
		if at.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if !latest[ids[i]].Equal(latest[ids[j]]) {
			return latest[ids[i]].Before(latest[ids[j]])
		}
		return ids[i] < ids[j]
	})
	return head(ids, limit), nil
}

func (m *MemStore) LatestRunLogs(context.Context) ([]records.RunLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return latestByProcedure(m.state.runLogs), nil
}

func latestByProcedure(logs []records.RunLog) []records.RunLog {
	byProc := map[string]records.RunLog{}
	for _, rl := range logs {
		if cur, ok := byProc[rl.Procedure]; !ok || rl.TimeCompleted.After(cur.TimeCompleted) {
			byProc[rl.Procedure] = rl
		}
	}
	out := make([]records.RunLog, 0, len(byProc))
	for _, rl := range byProc {
		out = append(out, rl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Procedure < out[j].Procedure })
	return out
}

func (m *MemStore) Count(_ context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables
	switch table {
	case t.Snapshots:
		return int64(len(m.state.snaps)), nil
	case t.Sessions:
		return int64(len(m.state.sessions)), nil
	case t.GameSnapshots:
		return int64(len(m.state.gameSnaps)), nil
	case t.RunLogs:
		return int64(len(m.state.runLogs)), nil
	}
	for name, k := range t.Kinds {
		if k.Table == table {
			if name == store.KindTag {
				return int64(len(m.state.tags)), nil
			}
			return int64(len(m.state.rows[name])), nil
		}
	}
	for name, s := range t.Series {
		if s.Table == table {
			return int64(len(m.state.points[name])), nil
		}
	}
	return 0, fmt.Errorf("table %q not in %s registry", table, t.Platform)
}

func (m *MemStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	work := m.state.clone()
	m.mu.Unlock()
	if err := fn(&memTx{m: m, s: work}); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = work
	m.Commits++
	m.mu.Unlock()
	return nil
}

func (s *memState) latest(series store.Series, entityID int64) (string, bool, error) {
	var last *store.Point
	for i, p := range s.points[series.Name] {
		if p.EntityID == entityID && (last == nil || !p.DateScraped.Before(last.DateScraped)) {
			last = &s.points[series.Name][i]
		}
	}
	if last == nil {
		return "", false, nil
	}
	if last.Value == nil {
		return "", true, nil
	}
	return fmt.Sprint(last.Value), true, nil
}

func head(ids []int64, limit int) []int64 {
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}

// memTx implements store.Tx over a working copy.
type memTx struct {
	m *MemStore
	s *memState
}

func (t *memTx) fail(method string) error {
	if t.m.FailOn == method {
		return fmt.Errorf("%s: %w", method, ErrInjected)
	}
	return nil
}

func (t *memTx) Insert(_ context.Context, kind string, tuple []any) error {
	if err := t.fail("Insert"); err != nil {
		return err
	}
	k, ok := t.m.tables.Kind(kind)
	if !ok || len(tuple) != len(k.InsertCols) {
		return nil
	}
	t.s.insert(kind, tuple, t.m.now())
	return nil
}

func (t *memTx) InsertReturning(_ context.Context, kind string, tuple []any) (int64, error) {
	if err := t.fail("InsertReturning"); err != nil {
		return 0, err
	}
	if kind != store.KindTag {
		return 0, nil
	}
	uuid := fmt.Sprint(tuple[0])
	if id, ok := t.s.tags[uuid]; ok {
		return int64(id), nil
	}
	t.s.nextTag++
	t.s.tags[uuid] = t.s.nextTag
	t.s.insert(kind, tuple, t.m.now())
	return int64(t.s.nextTag), nil
}

func (t *memTx) Update(_ context.Context, kind string, tuple []any) error {
	if err := t.fail("Update"); err != nil {
		return err
	}
	k, ok := t.m.tables.Kind(kind)
	if !ok || len(tuple) != len(k.UpdateCols)+1 {
		return nil
	}
	id := tuple[len(tuple)-1]
	key := idKey(id)
	if _, exists := t.s.rows[kind][key]; !exists {
		return nil
	}
	t.s.rows[kind][key] = append([]any{id}, tuple[:len(tuple)-1]...)
	if n, ok := id.(int64); ok && k.UpdatedCol != "" {
		t.s.updated[kind][n] = t.m.now()
	}
	return nil
}

func (t *memTx) Touch(_ context.Context, kind string, ids []int64) error {
	if err := t.fail("Touch"); err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := t.s.updated[kind][id]; ok {
			t.s.updated[kind][id] = t.m.now()
		}
	}
	return nil
}

func (t *memTx) MarkScraped(_ context.Context, kind string, ids []int64, at time.Time) error {
	if err := t.fail("MarkScraped"); err != nil {
		return err
	}
	if t.s.scraped[kind] == nil {
		t.s.scraped[kind] = map[int64]time.Time{}
	}
	for _, id := range ids {
		t.s.scraped[kind][id] = at
	}
	return nil
}

func (t *memTx) LatestValue(_ context.Context, s store.Series, entityID int64) (string, bool, error) {
	if err := t.fail("LatestValue"); err != nil {
		return "", false, err
	}
	return t.s.latest(s, entityID)
}

func (t *memTx) AppendPoint(_ context.Context, s store.Series, p store.Point) error {
	if err := t.fail("AppendPoint"); err != nil {
		return err
	}
	t.s.points[s.Name] = append(t.s.points[s.Name], p)
	return nil
}

func (t *memTx) InsertSnapshot(_ context.Context, snap records.Snapshot) error {
	if err := t.fail("InsertSnapshot"); err != nil {
		return err
	}
	snap.ID = int64(len(t.s.snaps) + 1)
	t.s.snaps = append(t.s.snaps, snap)
	return nil
}

func (t *memTx) InsertGameSnapshot(_ context.Context, g records.GameSnapshot) error {
	if err := t.fail("InsertGameSnapshot"); err != nil {
		return err
	}
	t.s.gameSnaps = append(t.s.gameSnaps, g)
	return nil
}

func (t *memTx) Snapshots(_ context.Context, livestreamID int64) ([]records.Snapshot, error) {
	var out []records.Snapshot
	for _, s := range t.s.snaps {
		if s.LivestreamID == livestreamID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memTx) InsertSession(_ context.Context, s records.Session) error {
	if err := t.fail("InsertSession"); err != nil {
		return err
	}
	t.s.sessions = append(t.s.sessions, s)
	return nil
}

func (t *memTx) DeleteSnapshots(_ context.Context, livestreamID int64, through time.Time) (int64, error) {
	if err := t.fail("DeleteSnapshots"); err != nil {
		return 0, err
	}
	var kept []records.Snapshot
	var n int64
	for _, s := range t.s.snaps {
		if s.LivestreamID == livestreamID && !s.DateScraped.After(through) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	t.s.snaps = kept
	return n, nil
}

func (t *memTx) InsertRunLog(_ context.Context, rl records.RunLog) error {
	if err := t.fail("InsertRunLog"); err != nil {
		return err
	}
	t.s.runLogs = append(t.s.runLogs, rl)
	return nil
}

// MemCountLog is an in-memory count history. It also keeps the shared run
// logs, like store.CountLog.
type MemCountLog struct {
	mu      sync.Mutex
	Entries []CountEntry
	RunLogs []records.RunLog
	// Err, when set, fails every write.
	Err error
}

// CountEntry is one logged count.
type CountEntry struct {
	Table string
	At    time.Time
	Count int64
}

func (c *MemCountLog) Previous(_ context.Context, table string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.Entries) - 1; i >= 0; i-- {
		if c.Entries[i].Table == table {
			return c.Entries[i].Count, true, nil
		}
	}
	return 0, false, nil
}

func (c *MemCountLog) Record(_ context.Context, at time.Time, counts map[string]int64, rl records.RunLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	for _, table := range slices.Sorted(maps.Keys(counts)) {
		c.Entries = append(c.Entries, CountEntry{Table: table, At: at, Count: counts[table]})
	}
	c.RunLogs = append(c.RunLogs, rl)
	return nil
}

func (c *MemCountLog) Tables() store.Tables { return store.SharedTables }

func (c *MemCountLog) InsertRunLog(_ context.Context, rl records.RunLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.RunLogs = append(c.RunLogs, rl)
	return nil
}

func (c *MemCountLog) LatestRunLogs(context.Context) ([]records.RunLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return latestByProcedure(c.RunLogs), nil
}

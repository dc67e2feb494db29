package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/runlog"
	"github.com/onnwee/streamscraper/store"
	"github.com/onnwee/streamscraper/twitchapi"
)

// TwitchAPI is the Helix surface the Twitch procedures use.
type TwitchAPI interface {
	GetStreams(ctx context.Context, after string, first int) (twitchapi.Page, error)
	GetGames(ctx context.Context, ids []string) (twitchapi.Page, error)
	GetTags(ctx context.Context, ids []string) (twitchapi.Page, error)
	GetUsers(ctx context.Context, ids []string) (twitchapi.Page, error)
	GetFollowerTotal(ctx context.Context, toID string) (int64, bool, error)
}

// Defaults for the Twitch procedures.
const (
	DefaultProfileMinViewers = 3
	DefaultFollowersBatch    = 800
	DefaultInactiveAge       = 24 * time.Hour
	DefaultInactiveBatch     = 2000
)

// Twitch runs the Twitch procedures against one store.
type Twitch struct {
	API   TwitchAPI
	Store Gateway
	// ProfileMinViewers: only streamers with more viewers get their profile
	// refreshed by the snapshot scrape.
	ProfileMinViewers int
	FollowersBatch    int
	InactiveAge       time.Duration
	InactiveBatch     int
	Now               func() time.Time
}

var streamerSeries = []string{records.ProjTwitchViews, records.ProjTwitchBroadcasterType}

func (t *Twitch) start(ctx context.Context, procedure string) (context.Context, *runlog.Run) {
	ctx, run := runlog.Start(ctx, "twitch", procedure)
	if t.Now != nil {
		run.SetClock(t.Now)
	}
	return ctx, run
}

// ScrapeSnapshots records one snapshot per live stream, the per-game viewer
// statistics, and any streamers, games and tags seen for the first time.
func (t *Twitch) ScrapeSnapshots(ctx context.Context) error {
	ctx, run := t.start(ctx, ProcTwitchSnapshots)
	err := t.snapshots(ctx, run)
	run.Finish(err)
	return err
}

func (t *Twitch) snapshots(ctx context.Context, run *runlog.Run) error {
	var (
		knownStreamers, knownGames store.IDSet
		knownTags                  map[string]int
	)
	err := run.Timings.Time("read_known", func() error {
		var err error
		if knownStreamers, err = t.Store.KnownIDs(ctx, store.KindStreamer); err != nil {
			return err
		}
		if knownGames, err = t.Store.KnownIDs(ctx, store.KindGame); err != nil {
			return err
		}
		knownTags, err = t.Store.KnownTags(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("read known ids: %w", err)
	}

	scraped := nowFunc(t.Now)()
	streams, err := t.collectStreams(ctx, run)
	if err != nil {
		return err
	}

	minViewers := t.ProfileMinViewers
	if minViewers <= 0 {
		minViewers = DefaultProfileMinViewers
	}
	buckets := newGameBuckets(scraped)
	var newGames, newTags, profiles []string
	pendingGame := store.IDSet{}
	pendingTag := map[string]bool{}
	pendingProfile := store.IDSet{}
	for _, l := range streams {
		buckets.add(l.GameID, l.ViewerCount)
		if l.GameID != records.NoGame && !knownGames.Has(l.GameID) && !pendingGame.Has(l.GameID) {
			pendingGame.Add(l.GameID)
			newGames = append(newGames, strconv.FormatInt(l.GameID, 10))
		}
		for _, uuid := range l.TagUUIDs {
			if _, ok := knownTags[uuid]; !ok && !pendingTag[uuid] {
				pendingTag[uuid] = true
				newTags = append(newTags, uuid)
			}
		}
		if l.ViewerCount > minViewers && !pendingProfile.Has(l.UserID) {
			pendingProfile.Add(l.UserID)
			profiles = append(profiles, strconv.FormatInt(l.UserID, 10))
		}
	}

	games, err := lookup(ctx, run, "get_games", newGames, t.API.GetGames, records.SourceTwitchGames, records.NewTwitchGame)
	if err != nil {
		return err
	}
	tags, err := lookup(ctx, run, "get_tags", newTags, t.API.GetTags, records.SourceTwitchTags, records.NewTwitchTag)
	if err != nil {
		return err
	}
	streamers, err := lookup(ctx, run, "get_users", profiles, t.API.GetUsers, records.SourceTwitchUsers, records.NewTwitchStreamer)
	if err != nil {
		return err
	}

	tables := t.Store.Tables()
	return commit(ctx, t.Store, run, func(ctx context.Context, tx store.Tx) error {
		for _, g := range games {
			tuple, _ := g.Tuple(records.ProjInsert)
			if err := tx.Insert(ctx, store.KindGame, tuple); err != nil {
				return err
			}
		}
		run.Wrote("games", len(games))

		for _, tag := range tags {
			tuple, _ := tag.Tuple(records.ProjInsert)
			id, err := tx.InsertReturning(ctx, store.KindTag, tuple)
			if err != nil {
				return err
			}
			knownTags[tag.UUID] = int(id)
		}
		run.Wrote("tags", len(tags))

		if err := t.writeStreamers(ctx, tx, run, tables, streamers, knownStreamers, scraped); err != nil {
			return err
		}

		for _, l := range streams {
			if err := tx.InsertSnapshot(ctx, l.Snapshot(scraped, tagIDs(l.TagUUIDs, knownTags))); err != nil {
				return err
			}
		}
		run.Wrote("snapshots", len(streams))

		n, err := buckets.write(ctx, tx)
		run.Wrote("game_snapshots", n)
		return err
	})
}

func (t *Twitch) collectStreams(ctx context.Context, run *runlog.Run) ([]records.TwitchLivestream, error) {
	var after string
	fetch := func(ctx context.Context) ([]records.TwitchLivestream, bool, error) {
		var page twitchapi.Page
		err := run.Timings.Time("get_livestreams", func() error {
			var err error
			page, err = t.API.GetStreams(ctx, after, twitchapi.MaxIDsPerRequest)
			return err
		})
		if err != nil {
			return nil, false, vendorErr(ctx, run, "get_livestreams", err)
		}
		if !page.OK {
			run.Add(runlog.CounterAPIErrors, 1)
			return nil, false, nil
		}
		after = page.Cursor
		out := normalize(run, page.Items, records.SourceTwitchStreams, records.NewTwitchLivestream)
		return out, page.Cursor != "", nil
	}
	return Collect(ctx, fetch, func(l records.TwitchLivestream) int64 { return l.ID })
}

// writeStreamers inserts unknown streamers, updates known ones and appends
// their series points.
func (t *Twitch) writeStreamers(ctx context.Context, tx store.Tx, run *runlog.Run, tables store.Tables, streamers []records.TwitchStreamer, known store.IDSet, at time.Time) error {
	for _, s := range streamers {
		if known.Has(s.ID) {
			tuple, _ := s.Tuple(records.ProjUpdate)
			if err := tx.Update(ctx, store.KindStreamer, tuple); err != nil {
				return err
			}
			run.Wrote("streamers_updated", 1)
		} else {
			tuple, _ := s.Tuple(records.ProjInsert)
			if err := tx.Insert(ctx, store.KindStreamer, tuple); err != nil {
				return err
			}
			known.Add(s.ID)
			run.Wrote("streamers_inserted", 1)
		}
		n, err := writeSeries(ctx, tx, tables, s, at, streamerSeries...)
		if err != nil {
			return err
		}
		run.Wrote("series_points", n)
	}
	return nil
}

// ScrapeFollowers appends a follower count for the streamers whose latest
// count is oldest.
func (t *Twitch) ScrapeFollowers(ctx context.Context) error {
	ctx, run := t.start(ctx, ProcTwitchFollowers)
	err := t.followers(ctx, run)
	run.Finish(err)
	return err
}

func (t *Twitch) followers(ctx context.Context, run *runlog.Run) error {
	tables := t.Store.Tables()
	series, ok := tables.SeriesNamed(store.SeriesTwitchFollowers)
	if !ok {
		return fmt.Errorf("no %s series in %s registry", store.SeriesTwitchFollowers, tables.Platform)
	}
	limit := t.FollowersBatch
	if limit <= 0 {
		limit = DefaultFollowersBatch
	}
	var ids []int64
	err := run.Timings.Time("read_stalest", func() error {
		var err error
		ids, err = t.Store.StalestInSeries(ctx, series, limit)
		return err
	})
	if err != nil {
		return fmt.Errorf("stalest followers: %w", err)
	}

	now := nowFunc(t.Now)
	var points []store.Point
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		var total int64
		var got bool
		err := run.Timings.Time("get_followers", func() error {
			var err error
			total, got, err = t.API.GetFollowerTotal(ctx, strconv.FormatInt(id, 10))
			return err
		})
		if err != nil {
			if err := vendorErr(ctx, run, "get_followers", err); err != nil {
				return err
			}
			continue
		}
		if !got {
			run.Add(runlog.CounterAPIErrors, 1)
			continue
		}
		points = append(points, store.Point{EntityID: id, DateScraped: now(), Value: total})
	}

	return commit(ctx, t.Store, run, func(ctx context.Context, tx store.Tx) error {
		for _, p := range points {
			if err := tx.AppendPoint(ctx, series, p); err != nil {
				return err
			}
		}
		run.Wrote("followers", len(points))
		return nil
	})
}

// ScrapeInactive refreshes the profiles of streamers that have not been
// updated for InactiveAge, typically because they have not been live.
func (t *Twitch) ScrapeInactive(ctx context.Context) error {
	ctx, run := t.start(ctx, ProcTwitchInactive)
	err := t.inactive(ctx, run)
	run.Finish(err)
	return err
}

func (t *Twitch) inactive(ctx context.Context, run *runlog.Run) error {
	age, limit := t.InactiveAge, t.InactiveBatch
	if age <= 0 {
		age = DefaultInactiveAge
	}
	if limit <= 0 {
		limit = DefaultInactiveBatch
	}
	now := nowFunc(t.Now)()
	var ids []int64
	err := run.Timings.Time("read_stale", func() error {
		var err error
		ids, err = t.Store.StaleIDs(ctx, store.KindStreamer, now.Add(-age), limit)
		return err
	})
	if err != nil {
		return fmt.Errorf("stale streamers: %w", err)
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}
	streamers, err := lookup(ctx, run, "get_users", strIDs, t.API.GetUsers, records.SourceTwitchUsers, records.NewTwitchStreamer)
	if err != nil {
		return err
	}
	known := store.IDSet{}
	for _, id := range ids {
		known.Add(id)
	}

	tables := t.Store.Tables()
	return commit(ctx, t.Store, run, func(ctx context.Context, tx store.Tx) error {
		if err := t.writeStreamers(ctx, tx, run, tables, streamers, known, now); err != nil {
			return err
		}
		// accounts that are gone still get stamped so they leave the queue
		if err := tx.Touch(ctx, store.KindStreamer, ids); err != nil {
			return err
		}
		run.Add("missing", len(ids)-len(streamers))
		return nil
	})
}

// lookup fetches ids in batches and normalizes the results. Failed batches
// are skipped.
func lookup[T records.Record](ctx context.Context, run *runlog.Run, call string, ids []string,
	get func(context.Context, []string) (twitchapi.Page, error),
	src records.Source, normalizer func(json.RawMessage, records.Source) T) ([]T, error) {
	var out []T
	for _, batch := range Batches(ids, twitchapi.MaxIDsPerRequest) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var page twitchapi.Page
		err := run.Timings.Time(call, func() error {
			var err error
			page, err = get(ctx, batch)
			return err
		})
		if err != nil {
			if err := vendorErr(ctx, run, call, err); err != nil {
				return nil, err
			}
			continue
		}
		if !page.OK {
			run.Add(runlog.CounterAPIErrors, 1)
			continue
		}
		out = append(out, normalize(run, page.Items, src, normalizer)...)
	}
	return out, nil
}

// normalize builds records from raw items, dropping and counting invalid ones.
func normalize[T records.Record](run *runlog.Run, items []json.RawMessage, src records.Source, normalizer func(json.RawMessage, records.Source) T) []T {
	out := make([]T, 0, len(items))
	for _, raw := range items {
		rec := normalizer(raw, src)
		if !rec.Valid() {
			run.Add(runlog.CounterInvalid, 1)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// tagIDs maps tag UUIDs to stored ids, dropping tags that could not be
// stored.
func tagIDs(uuids []string, known map[string]int) []int {
	out := make([]int, 0, len(uuids))
	for _, u := range uuids {
		if id, ok := known[u]; ok {
			out = append(out, id)
		}
	}
	return out
}

package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/onnwee/streamscraper/mixerapi"
	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/runlog"
	"github.com/onnwee/streamscraper/store"
)

// MixerAPI is the Mixer surface the Mixer procedures use.
type MixerAPI interface {
	GetOnlineChannels(ctx context.Context, page, limit int) (mixerapi.Page, error)
	GetRecordings(ctx context.Context, channelID int64) (mixerapi.Page, error)
	GetTypes(ctx context.Context, ids []int64) (mixerapi.Page, error)
}

// DefaultRecordingsBatch is the number of channels whose recordings are
// checked per run.
const DefaultRecordingsBatch = 200

// Mixer runs the Mixer procedures against one store.
type Mixer struct {
	API             MixerAPI
	Store           Gateway
	RecordingsBatch int
	Now             func() time.Time
}

var channelSeries = []string{
	records.ProjMixerFollowers,
	records.ProjMixerViewersTotal,
	records.ProjMixerPartnered,
	records.ProjMixerSparks,
	records.ProjMixerExperience,
}

func (m *Mixer) start(ctx context.Context, procedure string) (context.Context, *runlog.Run) {
	ctx, run := runlog.Start(ctx, "mixer", procedure)
	if m.Now != nil {
		run.SetClock(m.Now)
	}
	return ctx, run
}

// ScrapeLivestreams syncs every online channel, its game and channel series,
// and records a snapshot per channel plus per-game viewer statistics.
func (m *Mixer) ScrapeLivestreams(ctx context.Context) error {
	ctx, run := m.start(ctx, ProcMixerLivestreams)
	err := m.livestreams(ctx, run)
	run.Finish(err)
	return err
}

func (m *Mixer) livestreams(ctx context.Context, run *runlog.Run) error {
	var knownChannels, knownGames store.IDSet
	err := run.Timings.Time("read_known", func() error {
		var err error
		if knownChannels, err = m.Store.KnownIDs(ctx, store.KindStreamer); err != nil {
			return err
		}
		knownGames, err = m.Store.KnownIDs(ctx, store.KindGame)
		return err
	})
	if err != nil {
		return fmt.Errorf("read known ids: %w", err)
	}

	scraped := nowFunc(m.Now)()
	page := 0
	fetch := func(ctx context.Context) ([]records.MixerChannel, bool, error) {
		var p mixerapi.Page
		err := run.Timings.Time("get_livestreams", func() error {
			var err error
			p, err = m.API.GetOnlineChannels(ctx, page, mixerapi.MaxPageSize)
			return err
		})
		if err != nil {
			return nil, false, vendorErr(ctx, run, "get_livestreams", err)
		}
		if !p.OK {
			run.Add(runlog.CounterAPIErrors, 1)
			return nil, false, nil
		}
		page++
		return normalize(run, p.Items, records.SourceMixerChannels, records.NewMixerChannel), len(p.Items) > 0, nil
	}
	channels, err := Collect(ctx, fetch, func(c records.MixerChannel) int64 { return c.ID })
	if err != nil {
		return err
	}

	buckets := newGameBuckets(scraped)
	var games []records.MixerGame
	for _, c := range channels {
		buckets.add(c.TypeID, c.ViewersCurrent)
		if g := c.Game(); g.Valid() && !knownGames.Has(g.ID) {
			knownGames.Add(g.ID)
			games = append(games, g)
		}
	}

	tables := m.Store.Tables()
	return commit(ctx, m.Store, run, func(ctx context.Context, tx store.Tx) error {
		for _, g := range games {
			tuple, _ := g.Tuple(records.ProjInsert)
			if err := tx.Insert(ctx, store.KindGame, tuple); err != nil {
				return err
			}
		}
		run.Wrote("games", len(games))

		for _, c := range channels {
			if knownChannels.Has(c.ID) {
				tuple, _ := c.Tuple(records.ProjUpdate)
				if err := tx.Update(ctx, store.KindStreamer, tuple); err != nil {
					return err
				}
				run.Wrote("channels_updated", 1)
			} else {
				tuple, _ := c.Tuple(records.ProjInsert)
				if err := tx.Insert(ctx, store.KindStreamer, tuple); err != nil {
					return err
				}
				run.Wrote("channels_inserted", 1)
			}
			n, err := writeSeries(ctx, tx, tables, c, scraped, channelSeries...)
			if err != nil {
				return err
			}
			run.Wrote("series_points", n)
			if err := tx.InsertSnapshot(ctx, c.Snapshot(scraped)); err != nil {
				return err
			}
		}
		run.Wrote("snapshots", len(channels))

		n, err := buckets.write(ctx, tx)
		run.Wrote("game_snapshots", n)
		return err
	})
}

// ScrapeRecordings stores new recordings of the channels checked longest
// ago, plus any game types they reference that are not stored yet.
func (m *Mixer) ScrapeRecordings(ctx context.Context) error {
	ctx, run := m.start(ctx, ProcMixerRecordings)
	err := m.recordings(ctx, run)
	run.Finish(err)
	return err
}

func (m *Mixer) recordings(ctx context.Context, run *runlog.Run) error {
	limit := m.RecordingsBatch
	if limit <= 0 {
		limit = DefaultRecordingsBatch
	}
	var (
		channelIDs            []int64
		knownRecs, knownGames store.IDSet
	)
	err := run.Timings.Time("read_known", func() error {
		var err error
		if channelIDs, err = m.Store.LeastRecentlyScraped(ctx, store.KindStreamer, limit); err != nil {
			return err
		}
		if knownRecs, err = m.Store.KnownIDs(ctx, store.KindRecording); err != nil {
			return err
		}
		knownGames, err = m.Store.KnownIDs(ctx, store.KindGame)
		return err
	})
	if err != nil {
		return fmt.Errorf("read known ids: %w", err)
	}

	var (
		recs       []records.MixerRecording
		checked    []int64
		newTypeIDs []int64
	)
	for _, id := range channelIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var p mixerapi.Page
		err := run.Timings.Time("get_recordings", func() error {
			var err error
			p, err = m.API.GetRecordings(ctx, id)
			return err
		})
		if err != nil {
			if err := vendorErr(ctx, run, "get_recordings", err); err != nil {
				return err
			}
			continue
		}
		if !p.OK {
			run.Add(runlog.CounterAPIErrors, 1)
			continue
		}
		checked = append(checked, id)
		for _, r := range normalize(run, p.Items, records.SourceMixerRecordings, records.NewMixerRecording) {
			if knownRecs.Has(r.ID) {
				continue
			}
			knownRecs.Add(r.ID)
			recs = append(recs, r)
			if r.TypeID != records.NoGame && !knownGames.Has(r.TypeID) {
				knownGames.Add(r.TypeID)
				newTypeIDs = append(newTypeIDs, r.TypeID)
			}
		}
	}

	var games []records.MixerGame
	for _, batch := range Batches(newTypeIDs, mixerapi.MaxPageSize) {
		var p mixerapi.Page
		err := run.Timings.Time("get_games", func() error {
			var err error
			p, err = m.API.GetTypes(ctx, batch)
			return err
		})
		if err != nil {
			if err := vendorErr(ctx, run, "get_games", err); err != nil {
				return err
			}
			continue
		}
		if !p.OK {
			run.Add(runlog.CounterAPIErrors, 1)
			continue
		}
		games = append(games, normalize(run, p.Items, records.SourceMixerTypes, records.NewMixerGame)...)
	}

	scraped := nowFunc(m.Now)()
	return commit(ctx, m.Store, run, func(ctx context.Context, tx store.Tx) error {
		for _, g := range games {
			tuple, _ := g.Tuple(records.ProjInsert)
			if err := tx.Insert(ctx, store.KindGame, tuple); err != nil {
				return err
			}
		}
		run.Wrote("games", len(games))
		for _, r := range recs {
			tuple, _ := r.Tuple(records.ProjInsert)
			if err := tx.Insert(ctx, store.KindRecording, tuple); err != nil {
				return err
			}
		}
		run.Wrote("recordings", len(recs))
		run.Add("channels_checked", len(checked))
		return tx.MarkScraped(ctx, store.KindStreamer, checked, scraped)
	})
}

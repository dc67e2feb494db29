package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/streamscraper/compact"
	"github.com/onnwee/streamscraper/config"
	"github.com/onnwee/streamscraper/db"
	"github.com/onnwee/streamscraper/mixerapi"
	"github.com/onnwee/streamscraper/notify"
	"github.com/onnwee/streamscraper/ratelimit"
	"github.com/onnwee/streamscraper/runner"
	"github.com/onnwee/streamscraper/scrape"
	"github.com/onnwee/streamscraper/server"
	"github.com/onnwee/streamscraper/store"
	"github.com/onnwee/streamscraper/twitchapi"
)

// platformStore is everything the workers need from one platform store.
// *store.Store implements it.
type platformStore interface {
	scrape.Gateway
	compact.Gateway
	scrape.Counter
	scrape.RunLogReader
}

// sharedStore is the count-log database: count history plus the run logs of
// the procedures that span platforms. *store.CountLog implements it.
type sharedStore interface {
	scrape.CountHistory
	scrape.RunLogReader
	scrape.RunLogWriter
}

// stores holds the open databases. Stores sharing a DSN share a connection.
type stores struct {
	twitch   platformStore
	mixer    platformStore
	countLog sharedStore

	databases []server.Database
	conns     map[string]*sql.DB
}

// openStores connects every configured database and brings its schema up to
// date. The Mixer store is opened only when Mixer is enabled.
func openStores(ctx context.Context, c *config.Config) (*stores, error) {
	s := &stores{conns: map[string]*sql.DB{}}
	open := func(name, dsn string) (*sql.DB, error) {
		database, ok := s.conns[dsn]
		if !ok {
			var err error
			if database, err = db.Connect(ctx, dsn); err != nil {
				return nil, fmt.Errorf("open %s db: %w", name, err)
			}
			s.conns[dsn] = database
			slog.Info("running database migrations", slog.String("db", name), slog.String("component", "db_migrate"))
			if err := db.Setup(ctx, database); err != nil {
				return nil, fmt.Errorf("migrate %s db: %w", name, err)
			}
		}
		s.databases = append(s.databases, server.Database{Name: name, DB: database})
		return database, nil
	}

	twitchDB, err := open("twitch", c.TwitchDBDsn)
	if err != nil {
		return s, err
	}
	s.twitch = store.New(twitchDB, store.TwitchTables)
	if c.MixerEnabled {
		mixerDB, err := open("mixer", c.MixerDBDsn)
		if err != nil {
			return s, err
		}
		s.mixer = store.New(mixerDB, store.MixerTables)
	}
	countDB, err := open("countlog", c.CountLogDBDsn)
	if err != nil {
		return s, err
	}
	s.countLog = store.NewCountLog(countDB)
	return s, nil
}

// platforms lists the open platform stores, Twitch first.
func (s *stores) platforms() []platformStore {
	out := []platformStore{s.twitch}
	if s.mixer != nil {
		out = append(out, s.mixer)
	}
	return out
}

func (s *stores) Close() error {
	var errs []error
	for _, database := range s.conns {
		errs = append(errs, database.Close())
	}
	return errors.Join(errs...)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func newTwitchClient(c *config.Config) *twitchapi.HelixClient {
	hc := newHTTPClient()
	return &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     c.TwitchClientID,
			ClientSecret: c.TwitchClientSecret,
			TokenURL:     c.TwitchAuthURL,
			HTTPClient:   hc,
		},
		ClientID:   c.TwitchClientID,
		BaseURL:    c.TwitchAPIBase,
		HTTPClient: hc,
		Limiter:    ratelimit.Default(),
	}
}

func newMixerClient(c *config.Config) *mixerapi.Client {
	return &mixerapi.Client{
		ClientID:   c.MixerClientID,
		BaseURL:    c.MixerAPIBase,
		HTTPClient: newHTTPClient(),
		Limiter:    ratelimit.Default(),
	}
}

// newNotifier returns the Redis notifier when alerts are enabled and the log
// notifier otherwise. close releases the Redis client.
func newNotifier(c *config.Config) (n notify.Notifier, close func()) {
	logN := &notify.Log{Logger: slog.Default()}
	if !c.NotifyEnabled {
		return logN, func() {}
	}
	r := notify.NewRedis(c.NotifyRedisAddr, c.NotifyChannel)
	return notify.Multi{logN, r}, func() {
		if err := r.Close(); err != nil {
			slog.Warn("failed to close redis notifier", slog.Any("err", err))
		}
	}
}

// apis are the vendor clients; nil when the platform is disabled.
type apis struct {
	twitch scrape.TwitchAPI
	mixer  scrape.MixerAPI
}

// buildTasks returns one runner task per enabled procedure.
func buildTasks(c *config.Config, s *stores, a apis, n notify.Notifier) []runner.Task {
	var tasks []runner.Task
	compactTask := func(name string, interval time.Duration, cp *compact.Compactor) runner.Task {
		return runner.Task{Name: name, Interval: interval, Run: func(ctx context.Context) error {
			_, err := cp.RunOnce(ctx)
			return err
		}}
	}

	if c.TwitchEnabled && a.twitch != nil {
		tw := &scrape.Twitch{
			API:               a.twitch,
			Store:             s.twitch,
			ProfileMinViewers: c.ProfileMinViewers,
			FollowersBatch:    c.FollowersBatch,
			InactiveAge:       c.InactiveAge,
			InactiveBatch:     c.InactiveBatch,
		}
		tasks = append(tasks,
			runner.Task{Name: "twitch/" + scrape.ProcTwitchSnapshots, Interval: c.Intervals.TwitchSnapshots, Run: tw.ScrapeSnapshots},
			runner.Task{Name: "twitch/" + scrape.ProcTwitchFollowers, Interval: c.Intervals.TwitchFollowers, Run: tw.ScrapeFollowers},
			runner.Task{Name: "twitch/" + scrape.ProcTwitchInactive, Interval: c.Intervals.TwitchInactive, Run: tw.ScrapeInactive},
			compactTask("twitch/"+compact.Procedure, c.Intervals.TwitchCompact, compactorFor(c, s.twitch)),
		)
	}
	if c.MixerEnabled && a.mixer != nil && s.mixer != nil {
		mx := &scrape.Mixer{API: a.mixer, Store: s.mixer, RecordingsBatch: c.RecordingsBatch}
		tasks = append(tasks,
			runner.Task{Name: "mixer/" + scrape.ProcMixerLivestreams, Interval: c.Intervals.MixerLivestreams, Run: mx.ScrapeLivestreams},
			runner.Task{Name: "mixer/" + scrape.ProcMixerRecordings, Interval: c.Intervals.MixerRecordings, Run: mx.ScrapeRecordings},
			compactTask("mixer/"+compact.Procedure, c.Intervals.MixerCompact, compactorFor(c, s.mixer)),
		)
	}

	platforms := s.platforms()
	counters := make([]scrape.Counter, len(platforms))
	for i, p := range platforms {
		counters[i] = p
	}
	counts := &scrape.TableCounts{Stores: counters, History: s.countLog, Notifier: n}
	check := newRunLogCheck(c, s, n)
	if s.countLog != nil {
		check.RunLogs = s.countLog
	}
	return append(tasks,
		runner.Task{Name: scrape.ProcCountTables, Interval: c.Intervals.CountTables, Run: counts.Run},
		runner.Task{Name: scrape.ProcCheckRunLogs, Interval: c.Intervals.CheckRunLogs, Run: check.Run},
	)
}

func compactorFor(c *config.Config, st platformStore) *compact.Compactor {
	return &compact.Compactor{Store: st, Platform: st.Tables().Platform, Grace: c.CompactionGrace, Batch: c.CompactionBatch}
}

// newRunLogCheck reads every platform store and the shared run logs. It does
// not write a run log of its own; buildTasks adds that for the scheduled task.
func newRunLogCheck(c *config.Config, s *stores, n notify.Notifier) *scrape.RunLogCheck {
	platforms := s.platforms()
	readers := make([]scrape.RunLogReader, 0, len(platforms)+1)
	for _, p := range platforms {
		readers = append(readers, p)
	}
	if s.countLog != nil {
		readers = append(readers, s.countLog)
	}
	return &scrape.RunLogCheck{Stores: readers, Notifier: n, StaleAfter: c.StaleRunLogAfter}
}

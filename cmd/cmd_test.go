package cmd

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/onnwee/streamscraper/compact"
	"github.com/onnwee/streamscraper/config"
	"github.com/onnwee/streamscraper/mixerapi"
	"github.com/onnwee/streamscraper/notify"
	"github.com/onnwee/streamscraper/scrape"
	"github.com/onnwee/streamscraper/store"
	"github.com/onnwee/streamscraper/testutil"
	"github.com/onnwee/streamscraper/twitchapi"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		l := newLogger(tt.level, "json")
		if !l.Enabled(context.Background(), tt.want) {
			t.Errorf("%q: level %s disabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && l.Enabled(context.Background(), tt.want-4) {
			t.Errorf("%q: level below %s enabled", tt.level, tt.want)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, errs := config.Load("")
	if len(errs) > 0 {
		t.Fatalf("config.Load() errors = %v", errs)
	}
	return c
}

func taskNames(c *config.Config, s *stores, a apis) []string {
	var names []string
	for _, task := range buildTasks(c, s, a, &notify.Recorder{}) {
		names = append(names, task.Name)
	}
	return names
}

func TestBuildTasks(t *testing.T) {
	c := testConfig(t)
	s := &stores{twitch: testutil.NewMemStore(store.TwitchTables)}
	tw := &twitchapi.HelixClient{}

	c.TwitchEnabled, c.MixerEnabled = true, false
	got := strings.Join(taskNames(c, s, apis{twitch: tw}), "|")
	want := strings.Join([]string{
		"twitch/" + scrape.ProcTwitchSnapshots,
		"twitch/" + scrape.ProcTwitchFollowers,
		"twitch/" + scrape.ProcTwitchInactive,
		"twitch/" + compact.Procedure,
		scrape.ProcCountTables,
		scrape.ProcCheckRunLogs,
	}, "|")
	if got != want {
		t.Errorf("twitch only tasks = %s\nwant %s", got, want)
	}

	c.MixerEnabled = true
	s.mixer = testutil.NewMemStore(store.MixerTables)
	names := taskNames(c, s, apis{twitch: tw, mixer: &mixerapi.Client{}})
	if len(names) != 9 {
		t.Fatalf("both platforms: %d tasks (%v), want 9", len(names), names)
	}
	if names[4] != "mixer/"+scrape.ProcMixerLivestreams {
		t.Errorf("names[4] = %q", names[4])
	}

	// disabled platform ignores its client
	c.TwitchEnabled = false
	names = taskNames(c, s, apis{twitch: tw, mixer: &mixerapi.Client{}})
	for _, n := range names {
		if strings.HasPrefix(n, "twitch/") {
			t.Errorf("twitch disabled but task %q built", n)
		}
	}
}

func TestNewRunLogCheckReadsSharedStore(t *testing.T) {
	c := testConfig(t)
	s := &stores{twitch: testutil.NewMemStore(store.TwitchTables)}
	if got := len(newRunLogCheck(c, s, nil).Stores); got != 1 {
		t.Errorf("readers without count log = %d, want 1", got)
	}

	shared := &testutil.MemCountLog{}
	s.countLog = shared
	check := newRunLogCheck(c, s, nil)
	if len(check.Stores) != 2 || check.Stores[1] != shared {
		t.Errorf("readers = %v, want the platform store and the count log", check.Stores)
	}
	if len(buildTasks(c, s, apis{twitch: &twitchapi.HelixClient{}}, nil)) != 6 {
		t.Error("count log wiring changed the task list")
	}
}

func TestBuildTasksIntervals(t *testing.T) {
	c := testConfig(t)
	s := &stores{twitch: testutil.NewMemStore(store.TwitchTables)}
	for _, task := range buildTasks(c, s, apis{twitch: &twitchapi.HelixClient{}}, nil) {
		if task.Interval <= 0 || task.Run == nil {
			t.Errorf("task %q: interval %s run nil = %v", task.Name, task.Interval, task.Run == nil)
		}
	}
}

func TestNewNotifier(t *testing.T) {
	c := testConfig(t)
	n, closeFn := newNotifier(c)
	defer closeFn()
	if _, ok := n.(*notify.Log); !ok {
		t.Errorf("disabled notifier = %T, want *notify.Log", n)
	}

	c.NotifyEnabled, c.NotifyRedisAddr = true, "127.0.0.1:6379"
	n, closeRedis := newNotifier(c)
	defer closeRedis()
	m, ok := n.(notify.Multi)
	if !ok || len(m) != 2 {
		t.Fatalf("enabled notifier = %T %v, want Multi of log and redis", n, n)
	}
	if _, ok := m[1].(*notify.Redis); !ok {
		t.Errorf("m[1] = %T", m[1])
	}
}

func TestMigrationTargets(t *testing.T) {
	c := testConfig(t)
	c.TwitchDBDsn, c.MixerDBDsn, c.CountLogDBDsn = "a", "b", "a"

	c.MixerEnabled = false
	if got := migrationTargets(c); len(got) != 1 || got[0].name != "twitch" {
		t.Errorf("mixer disabled targets = %+v", got)
	}
	c.MixerEnabled = true
	got := migrationTargets(c)
	if len(got) != 2 || got[1] != (migrationTarget{name: "mixer", dsn: "b"}) {
		t.Errorf("targets = %+v", got)
	}
}

func TestClientsFromConfig(t *testing.T) {
	c := testConfig(t)
	c.TwitchClientID, c.TwitchClientSecret = "id", "secret"
	tw := newTwitchClient(c)
	if tw.ClientID != "id" || tw.BaseURL != c.TwitchAPIBase || tw.AppTokenSource.TokenURL != c.TwitchAuthURL || tw.Limiter == nil {
		t.Errorf("twitch client = %+v", tw)
	}
	mx := newMixerClient(c)
	if mx.BaseURL != c.MixerAPIBase || mx.HTTPClient.Timeout == 0 {
		t.Errorf("mixer client = %+v", mx)
	}
}

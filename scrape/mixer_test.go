package scrape

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/streamscraper/runlog"
	"github.com/onnwee/streamscraper/store"
	"github.com/onnwee/streamscraper/testutil"
)

func channelItem(id, user int64, viewers int, partnered bool) map[string]any {
	return map[string]any{
		"id":             id,
		"userId":         user,
		"token":          "chan",
		"name":           "stream",
		"audience":       "teen",
		"languageId":     "en",
		"typeId":         5,
		"online":         true,
		"partnered":      partnered,
		"viewersTotal":   1000,
		"viewersCurrent": viewers,
		"numFollowers":   10,
		"createdAt":      "2019-01-01T00:00:00Z",
		"updatedAt":      "2020-06-01T11:59:00Z",
		"type":           map[string]any{"id": 5, "name": "Fortnite", "source": "player.me"},
		"user":           map[string]any{"id": user, "level": 3, "experience": 70, "sparks": 100},
	}
}

type mixerFixture struct {
	api   *testutil.MockMixerServer
	store *testutil.MemStore
	proc  *Mixer
}

func newMixerFixture(t *testing.T) *mixerFixture {
	t.Helper()
	api := testutil.NewMockMixerServer(t)
	s := testutil.NewMemStore(store.MixerTables)
	s.Now = fixedNow
	return &mixerFixture{api: api, store: s, proc: &Mixer{API: api.Client(), Store: s, Now: fixedNow}}
}

func (f *mixerFixture) mockChannels() {
	untyped := channelItem(2, 22, 4, false)
	untyped["type"] = nil
	f.api.MockOnlineChannels(
		[]map[string]any{channelItem(1, 11, 30, true), untyped},
		[]map[string]any{channelItem(3, 33, 0, false)},
	)
}

func channelRow(id int64) []any {
	return []any{id, id * 11, "old", "old", "family", "en", int64(5), false, int64(0), int64(0), nil}
}

func TestScrapeLivestreams(t *testing.T) {
	f := newMixerFixture(t)
	f.store.Seed(store.KindStreamer, testNow.Add(-time.Hour), channelRow(3)...)
	f.mockChannels()

	if err := f.proc.ScrapeLivestreams(context.Background()); err != nil {
		t.Fatalf("ScrapeLivestreams() error = %v", err)
	}

	// the third page is empty and ends the loop
	if got := f.api.Hits("/api/v1/channels"); got != 3 {
		t.Errorf("channels requests = %d, want 3", got)
	}
	if _, ok := f.store.Row(store.KindGame, int64(5)); !ok {
		t.Error("embedded game type was not stored")
	}
	if _, ok := f.store.Row(store.KindStreamer, int64(2)); ok {
		t.Error("channel with a null type was stored")
	}
	row, _ := f.store.Row(store.KindStreamer, int64(3))
	if row[2] != "chan" {
		t.Errorf("channel 3 token = %v, want updated", row[2])
	}

	snaps := f.store.Snapshots()
	if len(snaps) != 2 || snaps[0].LivestreamID != 1 || snaps[0].GameID != 5 {
		t.Errorf("snapshots = %+v", snaps)
	}
	games := f.store.GameSnapshots()
	if len(games) != 1 || games[0].NumItems != 1 || games[0].NumZero != 1 || games[0].Max != 30 {
		t.Errorf("game snapshots = %+v", games)
	}
	for _, name := range channelSeries {
		if got := len(f.store.Points(name)); got != 2 {
			t.Errorf("%s points = %d, want 2", name, got)
		}
	}
	if p := f.store.Points("sparks")[0]; p.EntityID != 11 || p.Value != int64(100) {
		t.Errorf("sparks point = %+v, want keyed by user", p)
	}

	rl := f.store.RunLogs()[0]
	want := map[string]int{
		"channels_inserted":   1,
		"channels_updated":    1,
		"snapshots":           2,
		"games":               1,
		runlog.CounterInvalid: 1,
	}
	for k, v := range want {
		if rl.Counters[k] != v {
			t.Errorf("counter %s = %d, want %d", k, rl.Counters[k], v)
		}
	}
}

func TestScrapeLivestreamsGatesPartnered(t *testing.T) {
	f := newMixerFixture(t)
	f.mockChannels()
	for i := 0; i < 2; i++ {
		if err := f.proc.ScrapeLivestreams(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := len(f.store.Points("partnered")); got != 2 {
		t.Errorf("partnered points = %d, want 2", got)
	}
	if got := len(f.store.Points("followers")); got != 4 {
		t.Errorf("followers points = %d, want 4", got)
	}
	if got := f.store.RowCount(store.KindGame); got != 1 {
		t.Errorf("games = %d, want 1", got)
	}
}

func TestScrapeLivestreamsRollback(t *testing.T) {
	f := newMixerFixture(t)
	f.mockChannels()
	f.store.FailOn = "InsertRunLog"

	if err := f.proc.ScrapeLivestreams(context.Background()); !errors.Is(err, testutil.ErrInjected) {
		t.Fatalf("ScrapeLivestreams() error = %v", err)
	}
	if f.store.RowCount(store.KindStreamer) != 0 || len(f.store.Snapshots()) != 0 || len(f.store.Points("followers")) != 0 {
		t.Error("partial write survived a failed run log insert")
	}
}

func recordingItem(id, channel int64, typeID int) map[string]any {
	return map[string]any{
		"id":         id,
		"channelId":  channel,
		"name":       "vod",
		"typeId":     typeID,
		"state":      "AVAILABLE",
		"viewsTotal": 12,
		"duration":   3600.5,
		"createdAt":  "2020-05-01T00:00:00Z",
		"expiresAt":  "2020-08-01T00:00:00Z",
	}
}

func TestScrapeRecordings(t *testing.T) {
	f := newMixerFixture(t)
	for _, id := range []int64{1, 2, 3} {
		f.store.Seed(store.KindStreamer, testNow, channelRow(id)...)
	}
	f.store.Seed(store.KindRecording, testNow, int64(101), int64(1), "old", int64(9), "AVAILABLE", int64(0), 1.0, nil, nil)
	f.store.Seed(store.KindGame, testNow, int64(9), "Known", "", "", "", "", "")
	f.api.MockRecordings(1, recordingItem(100, 1, 5), recordingItem(101, 1, 9), recordingItem(102, 1, 9))
	f.api.FailRecordings(2)
	f.api.MockTypes(map[string]any{"id": 5, "name": "Fortnite"})
	f.proc.RecordingsBatch = 2

	if err := f.proc.ScrapeRecordings(context.Background()); err != nil {
		t.Fatalf("ScrapeRecordings() error = %v", err)
	}

	for id, want := range map[int64]bool{100: true, 101: true, 102: true} {
		if _, ok := f.store.Row(store.KindRecording, id); ok != want {
			t.Errorf("recording %d stored = %v", id, ok)
		}
	}
	if got := f.store.RowCount(store.KindRecording); got != 3 {
		t.Errorf("recordings = %d, want 3", got)
	}
	if _, ok := f.store.Row(store.KindGame, int64(5)); !ok {
		t.Error("referenced game type was not fetched")
	}
	if got := f.api.Hits("/api/v1/types"); got != 1 {
		t.Errorf("types requests = %d, want 1", got)
	}
	if at, ok := f.store.ScrapedAt(store.KindStreamer, 1); !ok || !at.Equal(testNow) {
		t.Errorf("channel 1 scraped = %v, %v", at, ok)
	}
	if _, ok := f.store.ScrapedAt(store.KindStreamer, 2); ok {
		t.Error("failed channel was marked scraped")
	}
	if _, ok := f.store.ScrapedAt(store.KindStreamer, 3); ok {
		t.Error("channel outside the batch was marked scraped")
	}
	rl := f.store.RunLogs()[0]
	if rl.Counters["recordings"] != 2 || rl.Counters[runlog.CounterAPIErrors] != 1 || rl.Counters["channels_checked"] != 1 {
		t.Errorf("counters = %v", rl.Counters)
	}

	// the next run starts with the channels never checked
	if err := f.proc.ScrapeRecordings(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, ok := f.store.ScrapedAt(store.KindStreamer, 3); !ok {
		t.Error("channel 3 not scraped on second run")
	}
	if _, ok := f.store.ScrapedAt(store.KindStreamer, 2); ok {
		t.Error("channel 2 still failing but marked scraped")
	}
	if got := f.api.Hits("/api/v1/channels/1/recordings"); got != 1 {
		t.Errorf("channel 1 requests = %d, want 1", got)
	}
}

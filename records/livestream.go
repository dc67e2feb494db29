package records

import (
	"time"

	"github.com/onnwee/streamscraper/stats"
)

// Snapshot is one observation of a live broadcast.
type Snapshot struct {
	ID           int64
	LivestreamID int64
	StreamerID   int64
	GameID       int64
	ViewerCount  int
	Language     string
	StartedAt    time.Time
	DateScraped  time.Time
	TagIDs       []int
}

// Tuple is (livestream_id, streamer_id, game_id, viewer_count, language,
// started_at, date_scraped). Tag ids are written separately as an array.
func (s Snapshot) Tuple() []any {
	return []any{s.LivestreamID, s.StreamerID, nullGame(s.GameID), s.ViewerCount, s.Language, nullTime(s.StartedAt), s.DateScraped}
}

// Session is a compacted run of snapshots sharing a livestream id and game.
type Session struct {
	LivestreamID int64
	StreamerID   int64
	GameID       int64
	Language     string
	TagIDs       []int
	DateStarted  time.Time
	DateEnded    time.Time
	MinViewers   int
	MaxViewers   int
	ViewerCounts []int
}

// Tuple is (livestream_id, streamer_id, game_id, language, date_started,
// date_ended, min_viewers, max_viewers). Array columns are written separately.
func (s Session) Tuple() []any {
	return []any{s.LivestreamID, s.StreamerID, nullGame(s.GameID), s.Language, s.DateStarted, s.DateEnded, s.MinViewers, s.MaxViewers}
}

// GameSnapshot is the per-game viewer summary of one scrape.
type GameSnapshot struct {
	GameID          int64
	DateInitialized time.Time
	stats.BucketStats
}

// NewGameSnapshot projects a bucket whose ID is the game id.
func NewGameSnapshot(b *stats.Bucket) GameSnapshot {
	return GameSnapshot{GameID: b.ID, DateInitialized: b.DateInitialized, BucketStats: b.Stats()}
}

// Tuple is (id, date_initialized, num_items, num_zero, total, min, max,
// median, mean, std_dev).
func (g GameSnapshot) Tuple() []any {
	return []any{g.GameID, g.DateInitialized, g.NumItems, g.NumZero, g.Total, g.Min, g.Max, g.Median, g.Mean, g.StdDev}
}

// RunLog records one execution of a scraping procedure.
type RunLog struct {
	Procedure     string                       `json:"procedure"`
	RunID         string                       `json:"run_id"`
	TimeStarted   time.Time                    `json:"time_started"`
	TimeCompleted time.Time                    `json:"time_completed"`
	Timings       map[string]stats.ActionStats `json:"timings"`
	Counters      map[string]int               `json:"counters"`
}

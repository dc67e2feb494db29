package store

import "github.com/onnwee/streamscraper/records"

// Entity kinds known to a platform store.
const (
	KindStreamer  = "streamer"
	KindGame      = "game"
	KindTag       = "tag"
	KindRecording = "recording"
)

// Kind describes an entity table. Column names come only from this registry,
// never from scraped data.
type Kind struct {
	Name  string
	Table string
	// IDCol is the primary key written by insert and matched by update.
	IDCol string
	// InsertCols lists the columns of the records.ProjInsert tuple.
	InsertCols []string
	// UpdateCols lists the columns of the records.ProjUpdate tuple, excluding
	// the trailing id.
	UpdateCols []string
	// UpdatedCol, when set, is stamped with NOW() on insert and update.
	UpdatedCol string
	// ScrapedCol, when set, tracks the last time a dependent scrape ran.
	ScrapedCol string
	// Returning, when set, is the generated column read back after insert.
	Returning string
}

// Tables is the compile-time table registry of one platform store.
type Tables struct {
	Platform      string
	Snapshots     string
	Sessions      string
	GameSnapshots string
	RunLogs       string
	Kinds         map[string]Kind
	Series        map[string]Series
}

// Kind returns the named kind.
func (t Tables) Kind(name string) (Kind, bool) {
	k, ok := t.Kinds[name]
	return k, ok
}

// SeriesNamed returns the named series.
func (t Tables) SeriesNamed(name string) (Series, bool) {
	s, ok := t.Series[name]
	return s, ok
}

// All lists every table owned by the registry.
func (t Tables) All() []string {
	out := []string{t.Snapshots, t.Sessions, t.GameSnapshots, t.RunLogs}
	for _, k := range t.Kinds {
		out = append(out, k.Table)
	}
	for _, s := range t.Series {
		out = append(out, s.Table)
	}
	return out
}

var streamerCols = []string{"login", "display_name", "admin_type", "broadcaster_type", "description", "view_count", "profile_image_url", "offline_image_url"}

var channelCols = []string{"user_id", "token", "name", "audience", "language_id", "type_id", "partnered", "viewers_total", "num_followers", "created_at"}

// TwitchTables is the Twitch store registry.
var TwitchTables = Tables{
	Platform:      "twitch",
	Snapshots:     "twitch_livestream_snapshots",
	Sessions:      "twitch_livestreams",
	GameSnapshots: "twitch_game_snapshots",
	RunLogs:       "twitch_run_logs",
	Kinds: map[string]Kind{
		KindStreamer: {
			Name:       KindStreamer,
			Table:      "twitch_streamers",
			IDCol:      "id",
			InsertCols: append([]string{"id"}, streamerCols...),
			UpdateCols: streamerCols,
			UpdatedCol: "last_updated",
		},
		KindGame: {
			Name:       KindGame,
			Table:      "twitch_games",
			IDCol:      "id",
			InsertCols: []string{"id", "name", "box_art_url"},
		},
		KindTag: {
			Name:       KindTag,
			Table:      "twitch_tags",
			IDCol:      "tag_uuid",
			InsertCols: []string{"tag_uuid", "is_auto", "localization_names", "localization_descriptions"},
			Returning:  "id",
		},
	},
	Series: map[string]Series{
		records.ProjTwitchViews:           {Name: records.ProjTwitchViews, Table: "twitch_streamer_views"},
		SeriesTwitchFollowers:             {Name: SeriesTwitchFollowers, Table: "twitch_streamer_followers"},
		records.ProjTwitchBroadcasterType: {Name: records.ProjTwitchBroadcasterType, Table: "twitch_streamer_broadcaster_type", Gated: true},
	},
}

// MixerTables is the Mixer store registry. Channels play the streamer role.
var MixerTables = Tables{
	Platform:      "mixer",
	Snapshots:     "mixer_livestream_snapshots",
	Sessions:      "mixer_livestreams",
	GameSnapshots: "mixer_game_snapshots",
	RunLogs:       "mixer_run_logs",
	Kinds: map[string]Kind{
		KindStreamer: {
			Name:       KindStreamer,
			Table:      "mixer_channels",
			IDCol:      "id",
			InsertCols: append([]string{"id"}, channelCols...),
			UpdateCols: channelCols,
			UpdatedCol: "last_updated",
			ScrapedCol: "recordings_scraped_at",
		},
		KindGame: {
			Name:       KindGame,
			Table:      "mixer_games",
			IDCol:      "id",
			InsertCols: []string{"id", "name", "parent", "description", "source", "cover_url", "background_url"},
		},
		KindRecording: {
			Name:       KindRecording,
			Table:      "mixer_recordings",
			IDCol:      "id",
			InsertCols: []string{"id", "channel_id", "name", "type_id", "state", "views_total", "duration", "created_at", "expires_at"},
		},
	},
	Series: map[string]Series{
		records.ProjMixerFollowers:    {Name: records.ProjMixerFollowers, Table: "mixer_channel_followers"},
		records.ProjMixerViewersTotal: {Name: records.ProjMixerViewersTotal, Table: "mixer_channel_viewers_total"},
		records.ProjMixerPartnered:    {Name: records.ProjMixerPartnered, Table: "mixer_channel_partnered", Gated: true},
		records.ProjMixerSparks:       {Name: records.ProjMixerSparks, Table: "mixer_user_sparks"},
		records.ProjMixerExperience:   {Name: records.ProjMixerExperience, Table: "mixer_user_experience"},
	},
}

// SeriesTwitchFollowers has no record projection; the value comes from the
// follower total endpoint.
const SeriesTwitchFollowers = "followers"

package records

import (
	"encoding/json"
	"time"
)

// Series projections of a Twitch streamer.
const (
	ProjTwitchViews           = "views"
	ProjTwitchBroadcasterType = "broadcaster_type"
)

// TwitchLivestream is one entry of helix/streams.
type TwitchLivestream struct {
	ID          int64
	UserID      int64
	UserName    string
	GameID      int64
	ViewerCount int
	Language    string
	StartedAt   time.Time
	TagUUIDs    []string

	valid bool
}

// NewTwitchLivestream normalizes a helix/streams item.
func NewTwitchLivestream(raw json.RawMessage, src Source) TwitchLivestream {
	var w struct {
		ID          flexInt  `json:"id"`
		UserID      flexInt  `json:"user_id"`
		UserName    string   `json:"user_name"`
		GameID      flexInt  `json:"game_id"`
		ViewerCount int      `json:"viewer_count"`
		Language    string   `json:"language"`
		StartedAt   string   `json:"started_at"`
		TagIDs      []string `json:"tag_ids"`
	}
	if src != SourceTwitchStreams || !decode(raw, &w) {
		return TwitchLivestream{}
	}
	ls := TwitchLivestream{
		ID:          w.ID.v,
		UserID:      w.UserID.v,
		UserName:    w.UserName,
		GameID:      NoGame,
		ViewerCount: w.ViewerCount,
		Language:    w.Language,
		StartedAt:   parseTime(w.StartedAt),
		TagUUIDs:    w.TagIDs,
		valid:       w.ID.set && w.UserID.set,
	}
	if w.GameID.set {
		ls.GameID = w.GameID.v
	}
	return ls
}

func (l TwitchLivestream) Valid() bool { return l.valid }

// Tuple supports ProjSnapshot: (livestream_id, streamer_id, game_id,
// viewer_count, language, started_at).
func (l TwitchLivestream) Tuple(projection string) ([]any, bool) {
	if projection != ProjSnapshot {
		return nil, false
	}
	return []any{l.ID, l.UserID, nullGame(l.GameID), l.ViewerCount, l.Language, nullTime(l.StartedAt)}, true
}

// Snapshot builds the snapshot row for this observation.
func (l TwitchLivestream) Snapshot(scraped time.Time, tagIDs []int) Snapshot {
	return Snapshot{
		LivestreamID: l.ID,
		StreamerID:   l.UserID,
		GameID:       l.GameID,
		ViewerCount:  l.ViewerCount,
		Language:     l.Language,
		StartedAt:    l.StartedAt,
		DateScraped:  scraped,
		TagIDs:       tagIDs,
	}
}

// TwitchStreamer is one entry of helix/users.
type TwitchStreamer struct {
	ID              int64
	Login           string
	DisplayName     string
	AdminType       string
	BroadcasterType string
	Description     string
	ViewCount       int64
	ProfileImageURL string
	OfflineImageURL string

	valid bool
}

// NewTwitchStreamer normalizes a helix/users item.
func NewTwitchStreamer(raw json.RawMessage, src Source) TwitchStreamer {
	var w struct {
		ID              flexInt `json:"id"`
		Login           string  `json:"login"`
		DisplayName     string  `json:"display_name"`
		Type            string  `json:"type"`
		BroadcasterType string  `json:"broadcaster_type"`
		Description     string  `json:"description"`
		ViewCount       int64   `json:"view_count"`
		ProfileImageURL string  `json:"profile_image_url"`
		OfflineImageURL string  `json:"offline_image_url"`
	}
	if src != SourceTwitchUsers || !decode(raw, &w) {
		return TwitchStreamer{}
	}
	return TwitchStreamer{
		ID:              w.ID.v,
		Login:           w.Login,
		DisplayName:     w.DisplayName,
		AdminType:       w.Type,
		BroadcasterType: w.BroadcasterType,
		Description:     w.Description,
		ViewCount:       w.ViewCount,
		ProfileImageURL: w.ProfileImageURL,
		OfflineImageURL: w.OfflineImageURL,
		valid:           w.ID.set && w.Login != "",
	}
}

func (s TwitchStreamer) Valid() bool { return s.valid }

func (s TwitchStreamer) Tuple(projection string) ([]any, bool) {
	switch projection {
	case ProjInsert:
		return []any{s.ID, s.Login, s.DisplayName, s.AdminType, s.BroadcasterType, s.Description, s.ViewCount, s.ProfileImageURL, s.OfflineImageURL}, true
	case ProjUpdate:
		return []any{s.Login, s.DisplayName, s.AdminType, s.BroadcasterType, s.Description, s.ViewCount, s.ProfileImageURL, s.OfflineImageURL, s.ID}, true
	case ProjTwitchViews:
		return []any{s.ID, s.ViewCount}, true
	case ProjTwitchBroadcasterType:
		return []any{s.ID, s.BroadcasterType}, true
	}
	return nil, false
}

// TwitchGame is one entry of helix/games.
type TwitchGame struct {
	ID        int64
	Name      string
	BoxArtURL string

	valid bool
}

// NewTwitchGame normalizes a helix/games item.
func NewTwitchGame(raw json.RawMessage, src Source) TwitchGame {
	var w struct {
		ID        flexInt `json:"id"`
		Name      string  `json:"name"`
		BoxArtURL string  `json:"box_art_url"`
	}
	if src != SourceTwitchGames || !decode(raw, &w) {
		return TwitchGame{}
	}
	return TwitchGame{ID: w.ID.v, Name: w.Name, BoxArtURL: w.BoxArtURL, valid: w.ID.set}
}

func (g TwitchGame) Valid() bool { return g.valid }

func (g TwitchGame) Tuple(projection string) ([]any, bool) {
	if projection != ProjInsert {
		return nil, false
	}
	return []any{g.ID, g.Name, g.BoxArtURL}, true
}

// TwitchTag is one entry of helix/tags/streams. Twitch identifies tags by
// UUID; the store assigns each a small integer id used in snapshots.
type TwitchTag struct {
	UUID                     string
	IsAuto                   bool
	LocalizationNames        map[string]string
	LocalizationDescriptions map[string]string

	valid bool
}

// NewTwitchTag normalizes a helix/tags/streams item.
func NewTwitchTag(raw json.RawMessage, src Source) TwitchTag {
	var w struct {
		TagID                    string            `json:"tag_id"`
		IsAuto                   bool              `json:"is_auto"`
		LocalizationNames        map[string]string `json:"localization_names"`
		LocalizationDescriptions map[string]string `json:"localization_descriptions"`
	}
	if src != SourceTwitchTags || !decode(raw, &w) {
		return TwitchTag{}
	}
	return TwitchTag{
		UUID:                     w.TagID,
		IsAuto:                   w.IsAuto,
		LocalizationNames:        w.LocalizationNames,
		LocalizationDescriptions: w.LocalizationDescriptions,
		valid:                    w.TagID != "",
	}
}

func (t TwitchTag) Valid() bool { return t.valid }

// Tuple supports ProjInsert: (tag_uuid, is_auto, localization_names,
// localization_descriptions) with the maps encoded as JSON text.
func (t TwitchTag) Tuple(projection string) ([]any, bool) {
	if projection != ProjInsert {
		return nil, false
	}
	names, _ := json.Marshal(nonNil(t.LocalizationNames))
	descs, _ := json.Marshal(nonNil(t.LocalizationDescriptions))
	return []any{t.UUID, t.IsAuto, string(names), string(descs)}, true
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

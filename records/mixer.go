package records

import (
	"encoding/json"
	"time"
)

// Series projections of a Mixer channel.
const (
	ProjMixerFollowers    = "followers"
	ProjMixerViewersTotal = "viewers_total"
	ProjMixerPartnered    = "partnered"
	ProjMixerSparks       = "sparks"
	ProjMixerExperience   = "experience"
)

type mixerTypeWire struct {
	ID             flexInt `json:"id"`
	Name           string  `json:"name"`
	Parent         string  `json:"parent"`
	Description    string  `json:"description"`
	Source         string  `json:"source"`
	ViewersCurrent int     `json:"viewersCurrent"`
	Online         int     `json:"online"`
	CoverURL       string  `json:"coverUrl"`
	BackgroundURL  string  `json:"backgroundUrl"`
}

// MixerChannel is one entry of /channels, including the embedded user and
// game type. A channel whose type is null is not usable and is invalid.
type MixerChannel struct {
	ID             int64
	UserID         int64
	Token          string
	Name           string
	Audience       string
	LanguageID     string
	TypeID         int64
	Online         bool
	Partnered      bool
	ViewersTotal   int64
	ViewersCurrent int
	NumFollowers   int64
	Sparks         int64
	Experience     int64
	Level          int
	CreatedAt      time.Time
	UpdatedAt      time.Time

	game  MixerGame
	valid bool
}

// NewMixerChannel normalizes a /channels item.
func NewMixerChannel(raw json.RawMessage, src Source) MixerChannel {
	var w struct {
		ID             flexInt        `json:"id"`
		UserID         flexInt        `json:"userId"`
		Token          string         `json:"token"`
		Name           string         `json:"name"`
		Audience       string         `json:"audience"`
		LanguageID     *string        `json:"languageId"`
		TypeID         flexInt        `json:"typeId"`
		Online         bool           `json:"online"`
		Partnered      bool           `json:"partnered"`
		ViewersTotal   int64          `json:"viewersTotal"`
		ViewersCurrent int            `json:"viewersCurrent"`
		NumFollowers   int64          `json:"numFollowers"`
		CreatedAt      string         `json:"createdAt"`
		UpdatedAt      string         `json:"updatedAt"`
		Type           *mixerTypeWire `json:"type"`
		User           *struct {
			Level      int     `json:"level"`
			Experience int64   `json:"experience"`
			Sparks     int64   `json:"sparks"`
			ID         flexInt `json:"id"`
		} `json:"user"`
	}
	if src != SourceMixerChannels || !decode(raw, &w) {
		return MixerChannel{}
	}
	c := MixerChannel{
		ID:             w.ID.v,
		UserID:         w.UserID.v,
		Token:          w.Token,
		Name:           w.Name,
		Audience:       w.Audience,
		TypeID:         NoGame,
		Online:         w.Online,
		Partnered:      w.Partnered,
		ViewersTotal:   w.ViewersTotal,
		ViewersCurrent: w.ViewersCurrent,
		NumFollowers:   w.NumFollowers,
		CreatedAt:      parseTime(w.CreatedAt),
		UpdatedAt:      parseTime(w.UpdatedAt),
	}
	if w.LanguageID != nil {
		c.LanguageID = *w.LanguageID
	}
	if w.TypeID.set {
		c.TypeID = w.TypeID.v
	}
	if w.User != nil {
		c.Level = w.User.Level
		c.Experience = w.User.Experience
		c.Sparks = w.User.Sparks
	}
	if w.Type != nil {
		c.game = newMixerGame(*w.Type)
	}
	c.valid = w.ID.set && w.UserID.set && w.Type != nil && w.User != nil
	return c
}

func (c MixerChannel) Valid() bool { return c.valid }

// Game returns the embedded game type. It is only meaningful on valid channels.
func (c MixerChannel) Game() MixerGame { return c.game }

func (c MixerChannel) Tuple(projection string) ([]any, bool) {
	switch projection {
	case ProjInsert:
		return []any{c.ID, c.UserID, c.Token, c.Name, c.Audience, c.LanguageID, nullGame(c.TypeID), c.Partnered, c.ViewersTotal, c.NumFollowers, nullTime(c.CreatedAt)}, true
	case ProjUpdate:
		return []any{c.UserID, c.Token, c.Name, c.Audience, c.LanguageID, nullGame(c.TypeID), c.Partnered, c.ViewersTotal, c.NumFollowers, nullTime(c.CreatedAt), c.ID}, true
	case ProjSnapshot:
		return []any{c.ID, c.UserID, nullGame(c.TypeID), c.ViewersCurrent, c.LanguageID, nullTime(c.UpdatedAt)}, true
	case ProjMixerFollowers:
		return []any{c.ID, c.NumFollowers}, true
	case ProjMixerViewersTotal:
		return []any{c.ID, c.ViewersTotal}, true
	case ProjMixerPartnered:
		return []any{c.ID, c.Partnered}, true
	case ProjMixerSparks:
		return []any{c.UserID, c.Sparks}, true
	case ProjMixerExperience:
		return []any{c.UserID, c.Experience}, true
	}
	return nil, false
}

// Snapshot builds the snapshot row for this observation. Mixer reuses the
// channel id as the livestream id across sessions and reports no start time.
func (c MixerChannel) Snapshot(scraped time.Time) Snapshot {
	return Snapshot{
		LivestreamID: c.ID,
		StreamerID:   c.UserID,
		GameID:       c.TypeID,
		ViewerCount:  c.ViewersCurrent,
		Language:     c.LanguageID,
		DateScraped:  scraped,
	}
}

// MixerGame is a Mixer game "type".
type MixerGame struct {
	ID             int64
	Name           string
	Parent         string
	Description    string
	Source         string
	ViewersCurrent int
	Online         int
	CoverURL       string
	BackgroundURL  string

	valid bool
}

// NewMixerGame normalizes a /types item.
func NewMixerGame(raw json.RawMessage, src Source) MixerGame {
	var w mixerTypeWire
	if src != SourceMixerTypes || !decode(raw, &w) {
		return MixerGame{}
	}
	return newMixerGame(w)
}

func newMixerGame(w mixerTypeWire) MixerGame {
	return MixerGame{
		ID:             w.ID.v,
		Name:           w.Name,
		Parent:         w.Parent,
		Description:    w.Description,
		Source:         w.Source,
		ViewersCurrent: w.ViewersCurrent,
		Online:         w.Online,
		CoverURL:       w.CoverURL,
		BackgroundURL:  w.BackgroundURL,
		valid:          w.ID.set && w.Name != "",
	}
}

func (g MixerGame) Valid() bool { return g.valid }

func (g MixerGame) Tuple(projection string) ([]any, bool) {
	if projection != ProjInsert {
		return nil, false
	}
	return []any{g.ID, g.Name, g.Parent, g.Description, g.Source, g.CoverURL, g.BackgroundURL}, true
}

// MixerRecording is one entry of /channels/{id}/recordings.
type MixerRecording struct {
	ID         int64
	ChannelID  int64
	Name       string
	TypeID     int64
	State      string
	ViewsTotal int64
	Duration   float64
	CreatedAt  time.Time
	ExpiresAt  time.Time

	valid bool
}

// NewMixerRecording normalizes a recordings item.
func NewMixerRecording(raw json.RawMessage, src Source) MixerRecording {
	var w struct {
		ID         flexInt `json:"id"`
		ChannelID  flexInt `json:"channelId"`
		Name       string  `json:"name"`
		TypeID     flexInt `json:"typeId"`
		State      string  `json:"state"`
		ViewsTotal int64   `json:"viewsTotal"`
		Duration   float64 `json:"duration"`
		CreatedAt  string  `json:"createdAt"`
		ExpiresAt  string  `json:"expiresAt"`
	}
	if src != SourceMixerRecordings || !decode(raw, &w) {
		return MixerRecording{}
	}
	r := MixerRecording{
		ID:         w.ID.v,
		ChannelID:  w.ChannelID.v,
		Name:       w.Name,
		TypeID:     NoGame,
		State:      w.State,
		ViewsTotal: w.ViewsTotal,
		Duration:   w.Duration,
		CreatedAt:  parseTime(w.CreatedAt),
		ExpiresAt:  parseTime(w.ExpiresAt),
		valid:      w.ID.set && w.ChannelID.set,
	}
	if w.TypeID.set {
		r.TypeID = w.TypeID.v
	}
	return r
}

func (r MixerRecording) Valid() bool { return r.valid }

func (r MixerRecording) Tuple(projection string) ([]any, bool) {
	if projection != ProjInsert {
		return nil, false
	}
	return []any{r.ID, r.ChannelID, r.Name, nullGame(r.TypeID), r.State, r.ViewsTotal, r.Duration, nullTime(r.CreatedAt), nullTime(r.ExpiresAt)}, true
}

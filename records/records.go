// Package records turns raw vendor payloads into typed, validated records and
// exposes the fixed-order tuples the store writes.
//
// Construction never fails: a payload that is missing required fields, or that
// came from an endpoint the record does not understand, yields a record whose
// Valid method reports false. Callers skip invalid records.
package records

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// NoGame marks a livestream or recording that is not attached to any game.
const NoGame int64 = -1

// Source names the vendor endpoint a payload was read from.
type Source string

const (
	SourceTwitchStreams   Source = "twitch/streams"
	SourceTwitchUsers     Source = "twitch/users"
	SourceTwitchGames     Source = "twitch/games"
	SourceTwitchTags      Source = "twitch/tags"
	SourceMixerChannels   Source = "mixer/channels"
	SourceMixerTypes      Source = "mixer/types"
	SourceMixerRecordings Source = "mixer/recordings"
)

// Projection names shared by every record kind.
const (
	ProjInsert   = "insert"
	ProjUpdate   = "update"
	ProjSnapshot = "snapshot"
)

// Record is implemented by every normalized vendor record.
type Record interface {
	Valid() bool
	// Tuple returns the values for the named projection in column order.
	// Unknown projection names return false.
	Tuple(projection string) ([]any, bool)
}

// flexInt decodes an integer id that may be sent either as a JSON number or
// as a numeric string. set reports whether a usable value was present.
type flexInt struct {
	v   int64
	set bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// leave unset; the owning record becomes invalid
		return nil
	}
	f.v, f.set = n, true
	return nil
}

// parseTime accepts RFC3339 timestamps and returns the zero time otherwise.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// nullTime maps the zero time to nil so it is stored as NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// nullGame maps NoGame to nil so it is stored as NULL.
func nullGame(id int64) any {
	if id == NoGame {
		return nil
	}
	return id
}

func decode(raw json.RawMessage, v any) bool {
	return len(raw) > 0 && json.Unmarshal(raw, v) == nil
}

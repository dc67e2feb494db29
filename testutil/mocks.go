package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamscraper/mixerapi"
	"github.com/onnwee/streamscraper/twitchapi"
)

type mockServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu   sync.Mutex
	hits map[string]int
}

func newMockServer(t *testing.T, fallback func(w http.ResponseWriter, r *http.Request) bool) *mockServer {
	t.Helper()
	m := &mockServer{Handlers: map[string]http.HandlerFunc{}, hits: map[string]int{}}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		if fallback != nil && fallback(w, r) {
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Hits returns how many requests reached path.
func (m *mockServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// MockStatus makes path answer with status and an empty JSON object.
func (m *mockServer) MockStatus(path string, status int) {
	m.set(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	})
}

func (m *mockServer) set(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// pick returns the items whose key field, printed, is in ids.
func pick(items []map[string]any, key string, ids []string) []map[string]any {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	out := []map[string]any{}
	for _, it := range items {
		if want[fmt.Sprint(it[key])] {
			out = append(out, it)
		}
	}
	return out
}

// MockTwitchServer mocks the Helix endpoints used by the scraper plus the
// OAuth token endpoint.
type MockTwitchServer struct {
	*mockServer
}

// NewMockTwitchServer starts a server that already issues app tokens.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	m := &MockTwitchServer{newMockServer(t, nil)}
	m.MockOAuthTokenResponse("test-token", 3600)
	return m
}

// Client returns a Helix client pointed at the mock.
func (m *MockTwitchServer) Client() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			TokenURL:     m.URL + "/oauth2/token",
		},
		ClientID: "test-client",
		BaseURL:  m.URL + "/helix",
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.set("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}

// MockStreamsPages serves pages of /helix/streams. Page i carries cursor
// "page-{i+1}" except the last one, which has none.
func (m *MockTwitchServer) MockStreamsPages(pages ...[]map[string]any) {
	m.set("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		i := 0
		if after := r.URL.Query().Get("after"); after != "" {
			i, _ = strconv.Atoi(strings.TrimPrefix(after, "page-"))
		}
		data := []map[string]any{}
		if i < len(pages) {
			data = pages[i]
		}
		cursor := ""
		if i+1 < len(pages) {
			cursor = "page-" + strconv.Itoa(i+1)
		}
		writeJSON(w, map[string]any{"data": data, "pagination": map[string]string{"cursor": cursor}})
	})
}

// MockGames serves /helix/games filtered by the requested ids.
func (m *MockTwitchServer) MockGames(games ...map[string]any) {
	m.set("/helix/games", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": pick(games, "id", r.URL.Query()["id"])})
	})
}

// MockTags serves /helix/tags/streams filtered by the requested tag ids.
func (m *MockTwitchServer) MockTags(tags ...map[string]any) {
	m.set("/helix/tags/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": pick(tags, "tag_id", r.URL.Query()["tag_id"])})
	})
}

// MockUsers serves /helix/users filtered by the requested ids.
func (m *MockTwitchServer) MockUsers(users ...map[string]any) {
	m.set("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": pick(users, "id", r.URL.Query()["id"])})
	})
}

// MockUserResponse serves a single user regardless of the query.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.set("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []map[string]string{{"id": userID, "login": login}}})
	})
}

// MockFollowers serves follower totals by broadcaster id. Unknown ids get a
// 404.
func (m *MockTwitchServer) MockFollowers(totals map[string]int64) {
	m.set("/helix/users/follows", func(w http.ResponseWriter, r *http.Request) {
		total, ok := totals[r.URL.Query().Get("to_id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"total": total, "data": []any{}})
	})
}

// MockMixerServer mocks the Mixer v1 endpoints used by the scraper.
type MockMixerServer struct {
	*mockServer

	mu         sync.Mutex
	recordings map[int64][]map[string]any
	failing    map[int64]bool
}

// NewMockMixerServer starts an empty Mixer mock.
func NewMockMixerServer(t *testing.T) *MockMixerServer {
	m := &MockMixerServer{recordings: map[int64][]map[string]any{}, failing: map[int64]bool{}}
	m.mockServer = newMockServer(t, m.serveRecordings)
	return m
}

// Client returns a Mixer client pointed at the mock.
func (m *MockMixerServer) Client() *mixerapi.Client {
	return &mixerapi.Client{ClientID: "test-client", BaseURL: m.URL + "/api/v1", HTTPClient: &http.Client{Timeout: 5 * time.Second}}
}

// MockOnlineChannels serves pages of /channels by the page parameter.
func (m *MockMixerServer) MockOnlineChannels(pages ...[]map[string]any) {
	m.set("/api/v1/channels", func(w http.ResponseWriter, r *http.Request) {
		i, _ := strconv.Atoi(r.URL.Query().Get("page"))
		data := []map[string]any{}
		if i >= 0 && i < len(pages) {
			data = pages[i]
		}
		writeJSON(w, data)
	})
}

// MockTypes serves /types filtered by the where=id:in: clause.
func (m *MockMixerServer) MockTypes(types ...map[string]any) {
	m.set("/api/v1/types", func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(strings.TrimPrefix(r.URL.Query().Get("where"), "id:in:"), ";")
		writeJSON(w, pick(types, "id", ids))
	})
}

// MockRecordings sets the recordings of a channel.
func (m *MockMixerServer) MockRecordings(channelID int64, recs ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordings[channelID] = recs
}

// FailRecordings makes the recordings endpoint of a channel answer 500.
func (m *MockMixerServer) FailRecordings(channelID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[channelID] = true
}

func (m *MockMixerServer) serveRecordings(w http.ResponseWriter, r *http.Request) bool {
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/v1/channels/")
	if !ok {
		return false
	}
	idStr, ok := strings.CutSuffix(rest, "/recordings")
	if !ok {
		return false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return false
	}
	m.mu.Lock()
	recs, failing := m.recordings[id], m.failing[id]
	m.mu.Unlock()
	if failing {
		w.WriteHeader(http.StatusInternalServerError)
		return true
	}
	if recs == nil {
		recs = []map[string]any{}
	}
	writeJSON(w, recs)
	return true
}

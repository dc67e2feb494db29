// Package twitchapi is a small Twitch Helix client for the scraper: live
// streams, games, tags, users and follower totals, using an app access token.
//
// Calls return raw items so normalization stays in package records. A non-2xx
// response is not an error: the returned Page has OK=false and no items.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/onnwee/streamscraper/ratelimit"
	"github.com/onnwee/streamscraper/telemetry"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// MaxIDsPerRequest is the Helix limit on repeated id parameters.
const MaxIDsPerRequest = 100

// HelixClient calls Helix endpoints with an app token.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string
	HTTPClient     *http.Client
	Limiter        *ratelimit.Limiter
}

// Page is one Helix response.
type Page struct {
	Items     []json.RawMessage
	Cursor    string
	Total     int64
	OK        bool
	Status    int
	RateLimit ratelimit.State
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// GetStreams lists live streams, most viewed first. Pass the previous page's
// cursor as after.
func (hc *HelixClient) GetStreams(ctx context.Context, after string, first int) (Page, error) {
	if first <= 0 || first > 100 {
		first = 100
	}
	q := url.Values{}
	q.Set("first", strconv.Itoa(first))
	if after != "" {
		q.Set("after", after)
	}
	return hc.get(ctx, "streams", q)
}

// GetGames looks up games by id.
func (hc *HelixClient) GetGames(ctx context.Context, ids []string) (Page, error) {
	return hc.getByIDs(ctx, "games", "id", ids)
}

// GetTags looks up stream tags by tag id.
func (hc *HelixClient) GetTags(ctx context.Context, ids []string) (Page, error) {
	return hc.getByIDs(ctx, "tags/streams", "tag_id", ids)
}

// GetUsers looks up users by id.
func (hc *HelixClient) GetUsers(ctx context.Context, ids []string) (Page, error) {
	return hc.getByIDs(ctx, "users", "id", ids)
}

// GetFollowerTotal returns the follower count of a broadcaster. The bool is
// false when the response carried no usable total.
func (hc *HelixClient) GetFollowerTotal(ctx context.Context, toID string) (int64, bool, error) {
	if toID == "" {
		return 0, false, fmt.Errorf("broadcaster id empty")
	}
	q := url.Values{}
	q.Set("to_id", toID)
	q.Set("first", "1")
	p, err := hc.get(ctx, "users/follows", q)
	if err != nil {
		return 0, false, err
	}
	return p.Total, p.OK, nil
}

func (hc *HelixClient) getByIDs(ctx context.Context, path, param string, ids []string) (Page, error) {
	if len(ids) == 0 {
		return Page{OK: true}, nil
	}
	if len(ids) > MaxIDsPerRequest {
		return Page{}, fmt.Errorf("%s: %d ids exceeds limit of %d", path, len(ids), MaxIDsPerRequest)
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add(param, id)
	}
	return hc.get(ctx, path, q)
}

func (hc *HelixClient) get(ctx context.Context, path string, q url.Values) (Page, error) {
	p, retry, err := hc.do(ctx, path, q)
	if retry {
		// token expired or revoked; one fresh attempt
		hc.AppTokenSource.Invalidate()
		p, _, err = hc.do(ctx, path, q)
	}
	return p, err
}

func (hc *HelixClient) do(ctx context.Context, path string, q url.Values) (Page, bool, error) {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return Page{}, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/"+path, nil)
	if err != nil {
		return Page{}, false, err
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		telemetry.ObserveAPIRequest("twitch", path, 0, err)
		return Page{}, false, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.ObserveAPIRequest("twitch", path, resp.StatusCode, nil)

	p := Page{Status: resp.StatusCode, RateLimit: ratelimit.Twitch.Parse(resp.Header)}
	if hc.Limiter != nil {
		if err := hc.Limiter.Wait(ctx, p.RateLimit); err != nil {
			return p, false, err
		}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return p, true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("helix request failed", slog.String("path", path), slog.Int("status", resp.StatusCode), slog.String("component", "twitchapi"))
		return p, false, nil
	}
	var body struct {
		Data       []json.RawMessage `json:"data"`
		Total      int64             `json:"total"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		slog.Warn("helix response malformed", slog.String("path", path), slog.Any("err", err), slog.String("component", "twitchapi"))
		return p, false, nil
	}
	p.OK = true
	p.Items = body.Data
	p.Cursor = body.Pagination.Cursor
	p.Total = body.Total
	return p, false, nil
}

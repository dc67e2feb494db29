// Package mixerapi is a minimal client for the Mixer v1 REST API: online
// channels, game types and channel recordings.
//
// Mixer pages are numbered rather than cursor based and every list endpoint
// returns a bare JSON array. As in twitchapi, a non-2xx response is reported
// through Page.OK, not as an error.
package mixerapi

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

// DefaultBaseURL is the v1 API root.
const DefaultBaseURL = "https://mixer.com/api/v1"

// MaxPageSize is the largest page Mixer serves.
const MaxPageSize = 100

// Client calls Mixer endpoints. ClientID is optional but raises rate limits.
type Client struct {
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
}

// Page is one list response.
type Page struct {
	Items     []json.RawMessage
	OK        bool
	Status    int
	RateLimit ratelimit.State
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

// GetOnlineChannels lists live channels, most watched first. Pages start at 0.
func (c *Client) GetOnlineChannels(ctx context.Context, page, limit int) (Page, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q := url.Values{}
	q.Set("where", "online:eq:true")
	q.Set("order", "viewersCurrent:DESC")
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	return c.get(ctx, "channels", q)
}

// GetRecordings lists the stored recordings of a channel.
func (c *Client) GetRecordings(ctx context.Context, channelID int64) (Page, error) {
	if channelID <= 0 {
		return Page{}, fmt.Errorf("channel id %d invalid", channelID)
	}
	return c.get(ctx, "channels/"+strconv.FormatInt(channelID, 10)+"/recordings", url.Values{})
}

// GetTypes looks up game types by id.
func (c *Client) GetTypes(ctx context.Context, ids []int64) (Page, error) {
	if len(ids) == 0 {
		return Page{OK: true}, nil
	}
	if len(ids) > MaxPageSize {
		return Page{}, fmt.Errorf("types: %d ids exceeds limit of %d", len(ids), MaxPageSize)
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	q := url.Values{}
	q.Set("where", "id:in:"+strings.Join(parts, ";"))
	q.Set("limit", strconv.Itoa(MaxPageSize))
	return c.get(ctx, "types", q)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+path, nil)
	if err != nil {
		return Page{}, err
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	if c.ClientID != "" {
		req.Header.Set("Client-ID", c.ClientID)
	}
	endpoint := metricEndpoint(path)
	resp, err := c.http().Do(req)
	if err != nil {
		telemetry.ObserveAPIRequest("mixer", endpoint, 0, err)
		return Page{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.ObserveAPIRequest("mixer", endpoint, resp.StatusCode, nil)

	p := Page{Status: resp.StatusCode, RateLimit: ratelimit.Mixer.Parse(resp.Header)}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx, p.RateLimit); err != nil {
			return p, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("mixer request failed", slog.String("path", path), slog.Int("status", resp.StatusCode), slog.String("component", "mixerapi"))
		return p, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&p.Items); err != nil {
		slog.Warn("mixer response malformed", slog.String("path", path), slog.Any("err", err), slog.String("component", "mixerapi"))
		p.Items = nil
		return p, nil
	}
	p.OK = true
	return p, nil
}

// metricEndpoint drops ids from a path so the metric label stays bounded.
func metricEndpoint(path string) string {
	if strings.HasPrefix(path, "channels/") && strings.HasSuffix(path, "/recordings") {
		return "channels/recordings"
	}
	return path
}

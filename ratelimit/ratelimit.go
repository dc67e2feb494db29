// Package ratelimit reads vendor rate-limit headers and waits out an
// exhausted budget without outliving the caller's context.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Headers names the response headers a vendor uses.
type Headers struct {
	Remaining string
	Reset     string
	// ResetMillis is set when Reset is epoch milliseconds instead of seconds.
	ResetMillis bool
}

var (
	// Twitch reports Ratelimit-Remaining and Ratelimit-Reset (epoch seconds).
	Twitch = Headers{Remaining: "Ratelimit-Remaining", Reset: "Ratelimit-Reset"}
	// Mixer reports X-RateLimit-Remaining and X-RateLimit-Reset (epoch ms).
	Mixer = Headers{Remaining: "X-RateLimit-Remaining", Reset: "X-RateLimit-Reset", ResetMillis: true}
)

// State is the budget reported by one response.
type State struct {
	Known     bool
	Remaining int
	Reset     time.Time
}

// Parse extracts the budget from h. Missing or malformed headers leave Known false.
func (hs Headers) Parse(h http.Header) State {
	rem, err := strconv.Atoi(h.Get(hs.Remaining))
	if err != nil {
		return State{}
	}
	s := State{Known: true, Remaining: rem}
	if reset, err := strconv.ParseInt(h.Get(hs.Reset), 10, 64); err == nil {
		if hs.ResetMillis {
			s.Reset = time.UnixMilli(reset)
		} else {
			s.Reset = time.Unix(reset, 0)
		}
	}
	return s
}

// Limiter waits when a response reports an almost exhausted budget.
type Limiter struct {
	// Threshold triggers a wait when Remaining is at or below it.
	Threshold int
	// MaxWait caps a single wait.
	MaxWait time.Duration
	// Fallback is used when the reset time is unknown or already past.
	Fallback time.Duration
	Now      func() time.Time
}

// Default mirrors the vendors' one-minute refill windows.
func Default() *Limiter {
	return &Limiter{Threshold: 1, MaxWait: 60 * time.Second, Fallback: time.Second, Now: time.Now}
}

// Delay returns how long to wait for s, zero when no wait is needed.
func (l *Limiter) Delay(s State) time.Duration {
	if !s.Known || s.Remaining > l.Threshold {
		return 0
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	d := l.Fallback
	if !s.Reset.IsZero() {
		if until := s.Reset.Sub(now()); until > 0 {
			d = until
		}
	}
	if l.MaxWait > 0 && d > l.MaxWait {
		d = l.MaxWait
	}
	return d
}

// Wait blocks for Delay(s) or until ctx is done.
func (l *Limiter) Wait(ctx context.Context, s State) error {
	d := l.Delay(s)
	if d <= 0 {
		return nil
	}
	return Sleep(ctx, d)
}

// Sleep pauses for d unless ctx finishes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

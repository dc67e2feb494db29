// Package notify delivers operational alerts (unchanged table counts, stale
// run logs, worker start and stop). Delivery is best effort: callers use Send,
// which logs and counts failures instead of returning them.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/streamscraper/telemetry"
)

// Notifier delivers one message.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Send delivers msg through n without failing the caller.
func Send(ctx context.Context, n Notifier, msg string) {
	if n == nil {
		return
	}
	err := n.Notify(ctx, msg)
	telemetry.ObserveNotification(name(n), err)
	if err != nil {
		slog.Warn("notification failed", slog.Any("err", err), slog.String("component", "notify"))
	}
}

func name(n Notifier) string {
	switch n.(type) {
	case *Log:
		return "log"
	case *Redis:
		return "redis"
	case Multi:
		return "multi"
	default:
		return "other"
	}
}

// Log writes messages to the structured log.
type Log struct {
	Logger *slog.Logger
}

func (l *Log) Notify(_ context.Context, msg string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("[notify] "+msg, slog.String("component", "notify"))
	return nil
}

// DefaultChannel is the pub/sub channel alerts are published on.
const DefaultChannel = "scraper:alerts"

const publishTimeout = 5 * time.Second

type payload struct {
	Message string `json:"message"`
	At      int64  `json:"at"`
}

// Redis publishes messages as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

// NewRedis connects lazily to addr.
func NewRedis(addr, channel string) *Redis {
	return NewRedisClient(redis.NewClient(&redis.Options{Addr: addr}), channel)
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, now: time.Now}
}

func (r *Redis) Notify(ctx context.Context, msg string) error {
	body, err := json.Marshal(payload{Message: msg, At: r.now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, r.channel, body).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error { return r.client.Close() }

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps messages in memory. Used by tests of alerting procedures.
type Recorder struct {
	Messages []string
	Err      error
}

func (r *Recorder) Notify(_ context.Context, msg string) error {
	r.Messages = append(r.Messages, msg)
	return r.Err
}

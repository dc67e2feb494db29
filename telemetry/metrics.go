// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ProcedureRuns     *prometheus.CounterVec
	APIRequests       *prometheus.CounterVec
	RecordsWritten    *prometheus.CounterVec
	SessionsCompacted *prometheus.CounterVec
	Notifications     *prometheus.CounterVec

	// Histograms (seconds)
	ProcedureDuration *prometheus.HistogramVec

	// Gauges
	LastRunTimestamp *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ProcedureRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scraper_procedure_runs_total", Help: "Procedure runs by outcome"}, []string{"procedure", "status"})
		APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scraper_api_requests_total", Help: "Vendor API requests by response class"}, []string{"platform", "endpoint", "class"})
		RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scraper_records_written_total", Help: "Rows written by procedure and record kind"}, []string{"procedure", "kind"})
		SessionsCompacted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scraper_sessions_compacted_total", Help: "Sessions produced by snapshot compaction"}, []string{"platform"})
		Notifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scraper_notifications_total", Help: "Notifications sent by channel and outcome"}, []string{"notifier", "status"})
		ProcedureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "scraper_procedure_duration_seconds", Help: "Procedure run duration seconds", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}}, []string{"procedure"})
		LastRunTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "scraper_last_run_timestamp_seconds", Help: "Unix time of the last successful run"}, []string{"procedure"})
	})
}

// ResponseClass buckets an HTTP outcome for the api request counter.
func ResponseClass(status int, err error) string {
	switch {
	case err != nil:
		return "transport_error"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	case status >= 200 && status < 300:
		return "ok"
	default:
		return strconv.Itoa(status)
	}
}

// ObserveAPIRequest counts one vendor request. No-op before Init.
func ObserveAPIRequest(platform, endpoint string, status int, err error) {
	if APIRequests == nil {
		return
	}
	APIRequests.WithLabelValues(platform, endpoint, ResponseClass(status, err)).Inc()
}

// ObserveRun records the outcome and duration of a procedure run.
func ObserveRun(procedure, status string, d time.Duration) {
	if ProcedureRuns == nil {
		return
	}
	ProcedureRuns.WithLabelValues(procedure, status).Inc()
	ProcedureDuration.WithLabelValues(procedure).Observe(d.Seconds())
	if status == "ok" {
		LastRunTimestamp.WithLabelValues(procedure).SetToCurrentTime()
	}
}

// AddRecords counts rows written by a procedure.
func AddRecords(procedure, kind string, n int) {
	if RecordsWritten == nil || n <= 0 {
		return
	}
	RecordsWritten.WithLabelValues(procedure, kind).Add(float64(n))
}

// AddSessions counts compacted sessions.
func AddSessions(platform string, n int) {
	if SessionsCompacted == nil || n <= 0 {
		return
	}
	SessionsCompacted.WithLabelValues(platform).Add(float64(n))
}

// ObserveNotification counts one notification attempt.
func ObserveNotification(notifier string, err error) {
	if Notifications == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	Notifications.WithLabelValues(notifier, status).Inc()
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

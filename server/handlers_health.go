package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/streamscraper/records"
	"github.com/onnwee/streamscraper/scrape"
)

const probeTimeout = 2 * time.Second

// HandleHealthz responds to liveness probes by pinging every database.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	for _, d := range h.databases {
		if err := d.DB.PingContext(ctx); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readyCheck struct {
	name string
	fn   func() error
}

// HandleReadyz reports which check failed, if any.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := make([]readyCheck, 0, len(h.databases)+1)
	for _, d := range h.databases {
		checks = append(checks, readyCheck{"database:" + d.Name, func() error { return d.DB.PingContext(ctx) }})
	}
	checks = append(checks, readyCheck{"run_logs", func() error {
		for _, s := range h.stores {
			if _, err := s.LatestRunLogs(ctx); err != nil {
				return fmt.Errorf("%s: %w", s.Tables().Platform, err)
			}
		}
		return nil
	}})

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type platformStatus struct {
	Platform string           `json:"platform"`
	RunLogs  []records.RunLog `json:"run_logs"`
}

type statusResponse struct {
	Platforms []platformStatus `json:"platforms"`
	Stale     []scrape.Stale   `json:"stale"`
	Healthy   bool             `json:"healthy"`
}

// HandleStatus lists the latest run log of every procedure and the stale
// ones.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Platforms: []platformStatus{}, Stale: []scrape.Stale{}}
	for _, s := range h.stores {
		logs, err := s.LatestRunLogs(r.Context())
		if err != nil {
			slog.Error("status: run logs", slog.Any("err", err), slog.String("platform", s.Tables().Platform), slog.String("component", "http"))
			http.Error(w, "failed to read run logs", http.StatusInternalServerError)
			return
		}
		if logs == nil {
			logs = []records.RunLog{}
		}
		resp.Platforms = append(resp.Platforms, platformStatus{Platform: s.Tables().Platform, RunLogs: logs})
	}
	if h.check != nil {
		stale, err := h.check.Check(r.Context())
		if err != nil {
			http.Error(w, "failed to check run logs", http.StatusInternalServerError)
			return
		}
		if stale != nil {
			resp.Stale = stale
		}
	}
	resp.Healthy = len(resp.Stale) == 0
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}

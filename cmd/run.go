package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streamscraper/runner"
	"github.com/onnwee/streamscraper/server"
	"github.com/onnwee/streamscraper/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every enabled scraping procedure until SIGINT/SIGTERM",
	Args:  cobra.NoArgs,
	RunE:  runScraper,
}

func runScraper(cmd *cobra.Command, _ []string) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	telemetry.Init()
	// optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdown, err := telemetry.InitTracing("streamscraper", "1.0.0")
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	defer func() {
		if st == nil {
			return
		}
		if err := st.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err != nil {
		return err
	}

	notifier, closeNotifier := newNotifier(cfg)
	defer closeNotifier()

	var a apis
	if cfg.TwitchEnabled {
		a.twitch = newTwitchClient(cfg)
	}
	if cfg.MixerEnabled {
		a.mixer = newMixerClient(cfg)
	}

	startPprof()

	sup := &runner.Supervisor{
		Tasks:     buildTasks(cfg, st, a, notifier),
		SleepStep: cfg.SleepStep,
		Notifier:  notifier,
		Logger:    slog.Default(),
	}
	handlers := server.NewHandlers(st.databases, newRunLogCheck(cfg, st, nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx, handlers, cfg.HTTPAddr) })
	g.Go(func() error { return sup.Run(gctx) })
	err = g.Wait()
	slog.Info("shutting down")
	return err
}

// startPprof exposes /debug/pprof on PPROF_ADDR when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}

// oneShot gives the maintenance commands a context bound to SIGINT/SIGTERM.
func oneShot(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// Package cmd is the streamscraper command line: the long-running scraper
// plus one-shot maintenance commands.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/streamscraper/config"
)

var (
	configPath string
	notifyFlag bool

	// cfg is loaded once by the root command's pre-run.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:               "streamscraper",
	Short:             "Twitch and Mixer livestream scraper",
	Long:              `Polls livestream platform APIs and stores snapshots, sessions and time series in Postgres. Commands: run, migrate, compact, status.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runScraper, // default: same as "streamscraper run"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "optional YAML config file (env vars take precedence)")
	rootCmd.PersistentFlags().BoolVar(&notifyFlag, "notify", false, "deliver alerts through Redis (same as NOTIFY_ENABLED=1)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command and returns the error (for main to exit on).
func Execute() error {
	return rootCmd.Execute()
}

func setup(cmd *cobra.Command, _ []string) error {
	// local dev convenience only; production relies on real env
	_ = godotenv.Load(".env")

	c, errs := config.Load(configPath)
	slog.SetDefault(newLogger(c.LogLevel, c.LogFormat))
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if notifyFlag {
		c.NotifyEnabled = true
	}
	cfg = c
	slog.Debug("config loaded", slog.String("command", cmd.Name()), slog.Bool("twitch", c.TwitchEnabled), slog.Bool("mixer", c.MixerEnabled))
	return nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

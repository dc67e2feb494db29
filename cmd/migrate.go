package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/onnwee/streamscraper/config"
	"github.com/onnwee/streamscraper/db"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Apply, roll back or report versioned migrations on every configured database",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "up"
		if len(args) == 1 {
			action = args[0]
		}
		ctx, stop := oneShot(cmd)
		defer stop()

		for _, t := range migrationTargets(cfg) {
			database, err := db.Connect(ctx, t.dsn)
			if err != nil {
				return fmt.Errorf("open %s db: %w", t.name, err)
			}
			err = migrateOne(cmd, database, t.name, action)
			if cerr := database.Close(); cerr != nil {
				slog.Warn("failed to close database", slog.String("db", t.name), slog.Any("err", cerr))
			}
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func migrateOne(cmd *cobra.Command, database *sql.DB, name, action string) error {
	switch action {
	case "down":
		if err := db.MigrateDown(database); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		cmd.Printf("%s: rolled back one migration\n", name)
	case "version":
		v, dirty, err := db.GetMigrationVersion(database)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		cmd.Printf("%s: version %d dirty=%v\n", name, v, dirty)
	default:
		if err := db.RunMigrations(database); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		cmd.Printf("%s: up to date\n", name)
	}
	return nil
}

type migrationTarget struct {
	name string
	dsn  string
}

// migrationTargets lists each distinct DSN once, named after the first store
// that uses it. Mixer is included only when enabled.
func migrationTargets(c *config.Config) []migrationTarget {
	var out []migrationTarget
	seen := map[string]bool{}
	add := func(name, dsn string) {
		if seen[dsn] {
			return
		}
		seen[dsn] = true
		out = append(out, migrationTarget{name: name, dsn: dsn})
	}
	add("twitch", c.TwitchDBDsn)
	if c.MixerEnabled {
		add("mixer", c.MixerDBDsn)
	}
	add("countlog", c.CountLogDBDsn)
	return out
}

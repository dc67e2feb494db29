// Command streamscraper polls the Twitch and Mixer APIs and records
// livestream snapshots, sessions and value-gated time series in Postgres.
//
// With no subcommand it runs every enabled procedure until SIGINT/SIGTERM and
// serves /healthz, /readyz, /status and /metrics. See "streamscraper --help"
// for the maintenance commands.
package main

import (
	"os"

	"github.com/onnwee/streamscraper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

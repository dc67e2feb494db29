package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compactPlatform string

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one snapshot compaction pass and print what was folded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := oneShot(cmd)
		defer stop()

		if compactPlatform == "mixer" {
			cfg.MixerEnabled = true
		} else if compactPlatform != "twitch" {
			return fmt.Errorf("unknown platform %q (want twitch or mixer)", compactPlatform)
		}
		st, err := openStores(ctx, cfg)
		defer func() {
			if st != nil {
				_ = st.Close()
			}
		}()
		if err != nil {
			return err
		}

		target := st.twitch
		if compactPlatform == "mixer" {
			target = st.mixer
		}
		res, err := compactorFor(cfg, target).RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("compact %s: %w", compactPlatform, err)
		}
		cmd.Printf("%s: %d livestreams, %d snapshots deleted, %d sessions written\n",
			compactPlatform, res.Livestreams, res.Snapshots, res.Sessions)
		return nil
	},
}

func init() {
	compactCmd.Flags().StringVar(&compactPlatform, "platform", "twitch", "platform to compact (twitch or mixer)")
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report procedures whose latest run log is stale; exits 1 if any are",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := oneShot(cmd)
		defer stop()

		st, err := openStores(ctx, cfg)
		defer func() {
			if st != nil {
				_ = st.Close()
			}
		}()
		if err != nil {
			return err
		}

		stale, err := newRunLogCheck(cfg, st, nil).Check(ctx)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			cmd.Println("all procedures ran within", cfg.StaleRunLogAfter)
			return nil
		}
		for _, s := range stale {
			cmd.Printf("STALE %s (last completed %s)\n", s, s.LastCompleted.Format(time.RFC3339))
		}
		return fmt.Errorf("%d stale procedures", len(stale))
	},
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/voucherd"
	"pkt.systems/voucherd/internal/loggingutil"
)

func newPreheatCommand(baseLogger pslog.Logger) *cobra.Command {
	var ids []int64
	cmd := &cobra.Command{
		Use:   "preheat",
		Short: "Warm logical-expiry cache entries for shops",
		Long: `preheat loads the given shops from the backing store and writes them to
Redis as logical-expiry entries. Shops served with --cache-strategy logical
must be preheated, a cold entry reads as missing.`,
		Example: `  voucherd preheat --store sqlite:///var/lib/voucherd/shop.db --shop 1 --shop 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if len(ids) == 0 {
				return fmt.Errorf("at least one --shop id is required")
			}
			cfg, logger, err := prepareConfig(baseLogger)
			if err != nil {
				return err
			}
			cfg.DisableConsumer = true
			cfg.MetricsListen = ""
			cfg.PprofListen = ""
			cfg.EnableProfilingMetrics = false
			logger = loggingutil.WithSubsystem(logger, "cli.preheat")

			server, err := voucherd.NewServer(cfg, voucherd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer server.Close()

			missing, err := server.PreheatShops(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "preheated %d shop(s)\n", len(ids)-len(missing))
			for _, id := range missing {
				fmt.Fprintf(out, "shop %d not found\n", id)
			}
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "shop", nil, "shop id to preheat (repeatable or comma separated)")
	return cmd
}

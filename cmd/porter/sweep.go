package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one watchdog pass and exit",
	Long: `Run one watchdog pass and exit.

Reclaims executions whose machine never called back within
WATCHDOG_STALE_MINUTES and drops never launched executions older than
PENDING_TTL_MINUTES. Meant for cron when serve runs with WATCHDOG_ENABLED=false.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		result := a.watchdog().Sweep(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

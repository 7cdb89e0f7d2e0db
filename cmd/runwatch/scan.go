package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single reconciliation cycle and exit",
	Long: `Run a single reconciliation cycle and exit. Useful when scans are
scheduled externally, e.g. by cron.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	results := c.reconciler.Scan(ctx)

	var failed int

	for _, res := range results {
		if err := res.Err(); err != nil {
			failed++

			log.WithError(err).
				WithField("test_run", res.Key.String()).
				Warn("Finalize failed")
		}
	}

	log.WithField("finalized", len(results)-failed).
		WithField("failed", failed).
		Info("Scan finished")

	if failed > 0 {
		return fmt.Errorf("%d of %d running tests failed to finalize", failed, len(results))
	}

	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/runwatch/pkg/api"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciler loop",
	Long: `Run the reconciler loop until interrupted. When the api section is
enabled the ops API is served alongside it.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	var srv api.Server

	if cfg.API.Enabled {
		srv = api.NewServer(log, &cfg.API, c.store, c.hub, c.registry)

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}
	}

	if err := c.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("starting reconciler: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := c.reconciler.Stop(); err != nil {
		return fmt.Errorf("stopping reconciler: %w", err)
	}

	if srv != nil {
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("stopping api server: %w", err)
		}
	}

	return nil
}

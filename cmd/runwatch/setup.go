package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/runwatch/pkg/archive"
	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/notify"
	"github.com/ethpandaops/runwatch/pkg/reconciler"
	"github.com/ethpandaops/runwatch/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// loadConfig loads and validates the configuration and applies its log
// level unless --log-level was given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if logLevel == "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// components holds everything a reconciler run needs.
type components struct {
	store      store.Store
	hub        *notify.Hub
	redis      *notify.RedisNotifier
	registry   *prometheus.Registry
	reconciler reconciler.Reconciler
}

// buildComponents opens the store and wires the notifiers, archive and
// metrics into a reconciler.
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	policy, err := reconciler.PolicyFromConfig(&cfg.Reconciler)
	if err != nil {
		return nil, err
	}

	c := &components{
		store:    store.NewStore(log, &cfg.Database),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := c.store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	var notifiers notify.Multi

	if cfg.Notifier.Log.Enabled {
		notifiers = append(notifiers, notify.NewLogNotifier(log))
	}

	if cfg.Notifier.Redis.Enabled {
		c.redis = notify.NewRedisNotifier(log, &cfg.Notifier.Redis)

		// Notifications are best-effort, so an unreachable Redis at
		// startup is only a warning.
		if err := c.redis.Ping(ctx); err != nil {
			log.WithError(err).Warn("Redis notifier not reachable")
		}

		notifiers = append(notifiers, c.redis)
	}

	if cfg.Notifier.Hub.Enabled || cfg.API.Enabled {
		c.hub = notify.NewHub(log, cfg.Notifier.Hub.BufferSize)
		notifiers = append(notifiers, c.hub)
	}

	opts := []reconciler.Option{
		reconciler.WithMetrics(reconciler.NewMetrics(c.registry)),
	}

	if cfg.Archive.Enabled {
		opts = append(opts, reconciler.WithArchiver(
			archive.NewS3Archiver(log, &cfg.Archive),
		))

		log.WithField("bucket", cfg.Archive.Bucket).Info("S3 archive enabled")
	}

	c.reconciler = reconciler.NewReconciler(log, c.store, notifiers, policy, opts...)

	return c, nil
}

// close releases the store and notifier connections.
func (c *components) close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			log.WithError(err).Warn("Failed to close redis notifier")
		}
	}

	if err := c.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}

// Package reconciler finalizes running tests whose heartbeat has gone
// stale into historical test runs.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethpandaops/runwatch/pkg/archive"
	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/notify"
	"github.com/ethpandaops/runwatch/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPollInterval is how often running tests are scanned.
	DefaultPollInterval = time.Minute

	// DefaultStaleThreshold is the keep-alive age after which a running
	// test is finalized.
	DefaultStaleThreshold = 16 * time.Second
)

// Policy decides when and how often running tests are reconciled.
type Policy struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	// MaxConcurrentFinalizes caps the finalizes of one scan. Zero or
	// less means unbounded.
	MaxConcurrentFinalizes int
}

// DefaultPolicy returns the default staleness policy.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:   DefaultPollInterval,
		StaleThreshold: DefaultStaleThreshold,
	}
}

// PolicyFromConfig builds a Policy from reconciler configuration.
func PolicyFromConfig(cfg *config.ReconcilerConfig) (Policy, error) {
	poll, err := cfg.PollIntervalDuration()
	if err != nil {
		return Policy{}, err
	}

	stale, err := cfg.StaleThresholdDuration()
	if err != nil {
		return Policy{}, err
	}

	return Policy{
		PollInterval:           poll,
		StaleThreshold:         stale,
		MaxConcurrentFinalizes: cfg.MaxConcurrentFinalizes,
	}, nil
}

// Result is the outcome of finalizing one running test.
type Result struct {
	Key store.ExecutionKey
	Run *store.HistoricalRun

	// Saved is set when this call inserted the historical run.
	Saved bool
	// Duplicate is set when the run had already been finalized.
	Duplicate bool

	PersistErr error
	DeleteErr  error
}

// Err returns the combined persist and delete errors, if any.
func (r Result) Err() error {
	return errors.Join(r.PersistErr, r.DeleteErr)
}

// Reconciler periodically finalizes stale running tests.
type Reconciler interface {
	Start(ctx context.Context) error
	Stop() error

	// Scan runs one reconciliation cycle and waits for its finalizes.
	Scan(ctx context.Context) []Result
	// Finalize converts a running test into a historical run and removes
	// it from the running tests.
	Finalize(ctx context.Context, e *store.InFlightExecution) Result
}

// Option configures a Reconciler.
type Option func(*reconciler)

// WithArchiver copies every saved run to a.
func WithArchiver(a archive.Archiver) Option {
	return func(r *reconciler) {
		r.archiver = a
	}
}

// WithMetrics records reconciler metrics to m.
func WithMetrics(m *Metrics) Option {
	return func(r *reconciler) {
		r.metrics = m
	}
}

// WithClock overrides the wall clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(r *reconciler) {
		r.now = now
	}
}

// Compile-time interface check.
var _ Reconciler = (*reconciler)(nil)

type reconciler struct {
	log      logrus.FieldLogger
	store    store.Store
	notifier notify.Notifier
	archiver archive.Archiver
	metrics  *Metrics
	policy   Policy
	now      func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a new Reconciler.
func NewReconciler(
	log logrus.FieldLogger,
	st store.Store,
	notifier notify.Notifier,
	policy Policy,
	opts ...Option,
) Reconciler {
	if policy.PollInterval <= 0 {
		policy.PollInterval = DefaultPollInterval
	}

	if policy.StaleThreshold <= 0 {
		policy.StaleThreshold = DefaultStaleThreshold
	}

	if notifier == nil {
		notifier = notify.Nop{}
	}

	r := &reconciler{
		log:      log.WithField("component", "reconciler"),
		store:    st,
		notifier: notifier,
		policy:   policy,
		now:      time.Now,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start launches the polling loop. A scan runs immediately and then on
// every tick; ticks do not wait for earlier scans to finish.
func (r *reconciler) Start(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"poll_interval":   r.policy.PollInterval.String(),
		"stale_threshold": r.policy.StaleThreshold.String(),
	}).Info("Starting reconciler")

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.spawnScan(ctx)

		ticker := time.NewTicker(r.policy.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.spawnScan(ctx)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop halts the polling loop and waits for running scans to complete.
func (r *reconciler) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.wg.Wait()

	r.log.Info("Reconciler stopped")

	return nil
}

// spawnScan runs a scan in the background. A started scan is never
// cancelled; it ends when its store calls return.
func (r *reconciler) spawnScan(ctx context.Context) {
	scanCtx := context.WithoutCancel(ctx)

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.Scan(scanCtx)
	}()
}

// Scan lists the running tests and finalizes every stale one. A listing
// failure skips the cycle; the next tick retries.
func (r *reconciler) Scan(ctx context.Context) []Result {
	started := time.Now()
	now := r.now()

	executions, err := r.store.ListInFlightExecutions(ctx)
	if err != nil {
		r.log.WithError(err).Error("Failed to list running tests, skipping scan")
		r.metrics.observeScan("list_failed", time.Since(started).Seconds())

		return nil
	}

	r.metrics.setRunningTests(len(executions))

	stale := make([]*store.InFlightExecution, 0, len(executions))

	for i := range executions {
		if executions[i].IsStale(now, r.policy.StaleThreshold) {
			stale = append(stale, &executions[i])
		}
	}

	r.log.WithFields(logrus.Fields{
		"running": len(executions),
		"stale":   len(stale),
	}).Debug("Checked running tests")

	results := make([]Result, len(stale))

	// A plain group: a failed finalize must not cancel its siblings.
	var g errgroup.Group
	if r.policy.MaxConcurrentFinalizes > 0 {
		g.SetLimit(r.policy.MaxConcurrentFinalizes)
	}

	for i, e := range stale {
		g.Go(func() error {
			results[i] = r.Finalize(ctx, e)

			return nil
		})
	}

	_ = g.Wait()

	var failed int

	for _, res := range results {
		if res.Err() != nil {
			failed++
		}
	}

	if len(stale) > 0 {
		r.log.WithFields(logrus.Fields{
			"finalized": len(stale) - failed,
			"failed":    failed,
			"duration":  time.Since(started).Round(time.Millisecond),
		}).Info("Scan completed")
	}

	r.metrics.observeScan("ok", time.Since(started).Seconds())

	return results
}

// Finalize marks e as not completed, stores it as a historical run and
// removes the running test. The running test is removed even when the
// historical run could not be stored, so a failed write never leaves a
// test stuck in the running state. A duplicate key means another
// finalize got there first and is not an error.
func (r *reconciler) Finalize(
	ctx context.Context, e *store.InFlightExecution,
) (res Result) {
	e.Completed = false

	res.Key = e.Key()
	res.Run = store.NewHistoricalRun(e)

	log := r.log.WithField("test_run", res.Key.String())
	scoped := notify.ScopedTopic(e.ProductName, e.DashboardName)

	defer func() {
		if err := r.store.DeleteInFlightExecution(ctx, res.Key); err != nil {
			res.DeleteErr = err

			log.WithError(err).Error("Failed to remove running test")
			r.metrics.deleteFailed()

			return
		}

		r.publish(ctx, scoped, notify.KindRunningTest, notify.ActionRemoved, e)
		r.publish(ctx, notify.TopicRunningTest, notify.KindRunningTest, notify.ActionRemoved, e)

		log.Info("Removed running test")
	}()

	err := r.store.InsertHistoricalRun(ctx, res.Run)

	switch {
	case err == nil:
		res.Saved = true
		r.metrics.finalized(outcomeSaved)

		r.publish(ctx, scoped, notify.KindTestRun, notify.ActionSaved, res.Run)
		r.publish(ctx, notify.TopicRecentTest, notify.KindTestRun, notify.ActionSaved, res.Run)

		r.archive(ctx, res.Run)
	case errors.Is(err, store.ErrDuplicateKey):
		res.Duplicate = true
		r.metrics.finalized(outcomeDuplicate)

		log.Debug("Test run already finalized")
	default:
		res.PersistErr = err
		r.metrics.finalized(outcomePersistFailed)

		log.WithError(err).Error("Failed to save test run")
	}

	return res
}

// publish sends one event. Failures are logged and otherwise ignored.
func (r *reconciler) publish(
	ctx context.Context,
	topic string,
	kind notify.Kind,
	action notify.Action,
	payload any,
) {
	if err := r.notifier.Publish(ctx, notify.Event{
		Topic:   topic,
		Kind:    kind,
		Action:  action,
		Payload: payload,
	}); err != nil {
		r.log.WithError(err).
			WithField("topic", topic).
			WithField("action", action).
			Warn("Failed to publish event")
		r.metrics.publishFailed(string(kind))
	}
}

func (r *reconciler) archive(ctx context.Context, run *store.HistoricalRun) {
	if r.archiver == nil {
		return
	}

	if err := r.archiver.Archive(ctx, run); err != nil {
		r.log.WithError(err).
			WithField("test_run_id", run.TestRunID).
			Warn("Failed to archive test run")
		r.metrics.archiveFailed()
	}
}

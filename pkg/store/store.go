package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrDuplicateKey is returned when a record with the same unique key
	// already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("record not found")
)

// Store provides persistence for running tests and historical test runs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Running tests.
	ListInFlightExecutions(ctx context.Context) ([]InFlightExecution, error)
	UpsertInFlightExecution(ctx context.Context, e *InFlightExecution) error
	DeleteInFlightExecution(ctx context.Context, key ExecutionKey) error

	// Historical runs.
	InsertHistoricalRun(ctx context.Context, run *HistoricalRun) error
	GetHistoricalRun(
		ctx context.Context, testRunID, dashboardID string,
	) (*HistoricalRun, error)
	ListHistoricalRuns(ctx context.Context, limit int) ([]HistoricalRun, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log     logrus.FieldLogger
	cfg     *config.DatabaseConfig
	timeout time.Duration
	db      *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	s.timeout, err = s.cfg.QueryTimeoutDuration()
	if err != nil {
		return err
	}

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection keeps in-memory databases shared and
		// avoids SQLITE_BUSY under concurrent finalizes.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&InFlightExecution{},
		&HistoricalRun{},
		&Metric{},
		&MetricTarget{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// withTimeout bounds a single database call by the configured timeout.
func (s *store) withTimeout(
	ctx context.Context,
) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, s.timeout)
}

// --- Running tests ---

func (s *store) ListInFlightExecutions(
	ctx context.Context,
) ([]InFlightExecution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var executions []InFlightExecution
	if err := s.db.WithContext(ctx).
		Order("keep_alive_timestamp ASC").
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("listing running tests: %w", err)
	}

	return executions, nil
}

// UpsertInFlightExecution records a heartbeat. The first heartbeat for a
// key creates the running test; later ones refresh it.
func (s *store) UpsertInFlightExecution(
	ctx context.Context, e *InFlightExecution,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "test_run_id"},
				{Name: "product_name"},
				{Name: "dashboard_name"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"product_release",
				"end_time",
				"keep_alive_timestamp",
				"completed",
				"build_results_url",
				"human_readable_duration",
				"ramp_up_period",
			}),
		}).
		Create(e).Error; err != nil {
		return fmt.Errorf("upserting running test: %w", err)
	}

	return nil
}

// DeleteInFlightExecution removes a running test. Deleting a key that no
// longer exists is not an error.
func (s *store) DeleteInFlightExecution(
	ctx context.Context, key ExecutionKey,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.WithContext(ctx).
		Where("test_run_id = ? AND product_name = ? AND dashboard_name = ?",
			key.TestRunID, key.ProductName, key.DashboardName).
		Delete(&InFlightExecution{}).Error; err != nil {
		return fmt.Errorf("deleting running test: %w", err)
	}

	return nil
}

// --- Historical runs ---

// InsertHistoricalRun creates the run and its metrics. A run whose
// (test run id, dashboard id) already exists yields ErrDuplicateKey.
func (s *store) InsertHistoricalRun(
	ctx context.Context, run *HistoricalRun,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inserting test run %s: %w", run.TestRunID, ErrDuplicateKey)
		}

		return fmt.Errorf("inserting test run: %w", err)
	}

	return nil
}

func (s *store) GetHistoricalRun(
	ctx context.Context, testRunID, dashboardID string,
) (*HistoricalRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var run HistoricalRun
	if err := s.db.WithContext(ctx).
		Preload("Metrics.Targets").
		Where("test_run_id = ? AND dashboard_id = ?",
			strings.ToUpper(testRunID), strings.ToUpper(dashboardID)).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("getting test run %s: %w", testRunID, ErrNotFound)
		}

		return nil, fmt.Errorf("getting test run: %w", err)
	}

	return &run, nil
}

// ListHistoricalRuns returns the most recent runs first. A non-positive
// limit returns every run.
func (s *store) ListHistoricalRuns(
	ctx context.Context, limit int,
) ([]HistoricalRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := s.db.WithContext(ctx).
		Preload("Metrics.Targets").
		Order("start_time DESC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []HistoricalRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing test runs: %w", err)
	}

	return runs, nil
}

// isUniqueViolation reports whether err is a unique constraint failure.
// Drivers without gorm error translation are matched on their messages.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

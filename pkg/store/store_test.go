package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver:       "sqlite",
		QueryTimeout: "5s",
		SQLite:       config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestStore_UpsertInFlightExecutionNormalizes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exec := &store.InFlightExecution{
		TestRunID:      "run-1",
		ProductName:    "acme",
		DashboardName:  "perf",
		ProductRelease: "v1.2.3-rc",
	}
	require.NoError(t, s.UpsertInFlightExecution(ctx, exec))

	listed, err := s.ListInFlightExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	got := listed[0]
	assert.Equal(t, "run-1", got.TestRunID)
	assert.Equal(t, "ACME", got.ProductName)
	assert.Equal(t, "PERF", got.DashboardName)
	assert.Equal(t, "V1.2.3-RC", got.ProductRelease)
	assert.False(t, got.Start.IsZero(), "start defaults to creation time")
	assert.False(t, got.KeepAliveTimestamp.IsZero(), "keep-alive defaults to creation time")
	assert.False(t, got.Completed)
	assert.Nil(t, got.End)
}

func TestStore_UpsertInFlightExecutionRefreshesHeartbeat(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	second := first.Add(30 * time.Second)

	require.NoError(t, s.UpsertInFlightExecution(ctx, &store.InFlightExecution{
		TestRunID:          "run-hb",
		ProductName:        "ACME",
		DashboardName:      "PERF",
		Start:              first,
		KeepAliveTimestamp: first,
	}))

	end := second.Add(time.Second)
	require.NoError(t, s.UpsertInFlightExecution(ctx, &store.InFlightExecution{
		TestRunID:          "run-hb",
		ProductName:        "acme",
		DashboardName:      "perf",
		Start:              second,
		End:                &end,
		KeepAliveTimestamp: second,
	}))

	listed, err := s.ListInFlightExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1, "heartbeat must not duplicate the running test")

	assert.True(t, listed[0].KeepAliveTimestamp.Equal(second))
	assert.True(t, listed[0].Start.Equal(first), "start is kept from the first heartbeat")
	require.NotNil(t, listed[0].End)
	assert.True(t, listed[0].End.Equal(end))
}

func TestStore_DeleteInFlightExecution(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"keep", "drop"} {
		require.NoError(t, s.UpsertInFlightExecution(ctx, &store.InFlightExecution{
			TestRunID: id, ProductName: "ACME", DashboardName: "PERF",
		}))
	}

	key := store.ExecutionKey{TestRunID: "drop", ProductName: "ACME", DashboardName: "PERF"}
	require.NoError(t, s.DeleteInFlightExecution(ctx, key))

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteInFlightExecution(ctx, key))

	listed, err := s.ListInFlightExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "keep", listed[0].TestRunID)
}

func TestStore_InsertHistoricalRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	pass := true
	prev := 10.5

	run := &store.HistoricalRun{
		TestRunID:     "run-42",
		ProductName:   "acme",
		DashboardName: "perf",
		Start:         start,
		End:           start.Add(5 * time.Minute),
		Metrics: []store.Metric{
			{
				Alias:            "p95",
				Type:             "Gauge",
				Tags:             []string{"latency", "api"},
				MeetsRequirement: &pass,
				Targets: []store.MetricTarget{
					{Target: "login", Value: 12.5, BenchmarkPreviousValue: &prev},
				},
			},
		},
	}
	require.NoError(t, s.InsertHistoricalRun(ctx, run))

	assert.Equal(t, "RUN-42", run.TestRunID)
	assert.Equal(t, "ACME-PERF", run.DashboardID)

	got, err := s.GetHistoricalRun(ctx, "run-42", "acme-perf")
	require.NoError(t, err)

	assert.Equal(t, "ACME", got.ProductName)
	assert.Equal(t, start.UnixMilli(), got.StartEpoch())
	assert.Equal(t, start.Add(5*time.Minute).UnixMilli(), got.EndEpoch())
	assert.Nil(t, got.MeetsRequirement)
	assert.Nil(t, got.Baseline)

	require.Len(t, got.Metrics, 1)
	assert.Equal(t, []string{"latency", "api"}, got.Metrics[0].Tags)
	require.NotNil(t, got.Metrics[0].MeetsRequirement)
	assert.True(t, *got.Metrics[0].MeetsRequirement)
	assert.Nil(t, got.Metrics[0].BenchmarkResultFixedOK)

	require.Len(t, got.Metrics[0].Targets, 1)
	assert.Equal(t, "login", got.Metrics[0].Targets[0].Target)
	require.NotNil(t, got.Metrics[0].Targets[0].BenchmarkPreviousValue)
	assert.InDelta(t, prev, *got.Metrics[0].Targets[0].BenchmarkPreviousValue, 0.0001)
	assert.Nil(t, got.Metrics[0].Targets[0].BenchmarkFixedValue)
}

func TestStore_InsertHistoricalRunDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	newRun := func() *store.HistoricalRun {
		return &store.HistoricalRun{
			TestRunID: "dup", ProductName: "ACME", DashboardName: "PERF",
			Start: time.Now().UTC(), End: time.Now().UTC(),
		}
	}

	require.NoError(t, s.InsertHistoricalRun(ctx, newRun()))

	err := s.InsertHistoricalRun(ctx, newRun())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDuplicateKey))

	// Same run id on another dashboard is a different run.
	other := newRun()
	other.DashboardName = "SOAK"
	require.NoError(t, s.InsertHistoricalRun(ctx, other))

	runs, err := s.ListHistoricalRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestStore_InsertHistoricalRunConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const attempts = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for range attempts {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.InsertHistoricalRun(ctx, &store.HistoricalRun{
				TestRunID: "race", ProductName: "ACME", DashboardName: "PERF",
				Start: time.Now().UTC(), End: time.Now().UTC(),
			})

			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}

	wg.Wait()

	var ok, dup int

	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrDuplicateKey):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, dup)
}

func TestStore_ListHistoricalRunsOrderAndLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		start := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.InsertHistoricalRun(ctx, &store.HistoricalRun{
			TestRunID: id, ProductName: "ACME", DashboardName: "PERF",
			Start: start, End: start.Add(time.Minute),
		}))
	}

	runs, err := s.ListHistoricalRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "NEW", runs[0].TestRunID)
	assert.Equal(t, "MID", runs[1].TestRunID)
}

func TestStore_GetHistoricalRunNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetHistoricalRun(context.Background(), "missing", "ACME-PERF")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStore_StartUnsupportedDriver(t *testing.T) {
	s := store.NewStore(logrus.New(), &config.DatabaseConfig{Driver: "mongo"})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

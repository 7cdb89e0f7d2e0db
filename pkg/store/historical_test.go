package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewHistoricalRun(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour + time.Minute)

	exec := &InFlightExecution{
		TestRunID:          "RUN-7",
		ProductName:        "ACME",
		ProductRelease:     "1.0",
		DashboardName:      "PERF",
		Start:              start,
		End:                &end,
		KeepAliveTimestamp: end,
		Completed:          false,
		BuildResultsURL:    "https://ci.example.com/7",
		RampUpPeriod:       30,
	}

	run := NewHistoricalRun(exec)

	assert.Equal(t, "RUN-7", run.TestRunID)
	assert.Equal(t, "ACME-PERF", run.DashboardID)
	assert.Equal(t, "1.0", run.ProductRelease)
	assert.Equal(t, "1 hour, 1 minute", run.HumanReadableDuration)
	assert.Equal(t, time.Hour+time.Minute, run.Duration())
	assert.Equal(t, int64(30), run.RampUpPeriod)
	assert.Equal(t, "https://ci.example.com/7", run.BuildResultsURL)
	assert.False(t, run.Completed)
	assert.Nil(t, run.MeetsRequirement)
	assert.Nil(t, run.BenchmarkResultFixedOK)
	assert.Nil(t, run.BenchmarkResultPreviousOK)
	assert.Nil(t, run.Baseline)
	assert.Nil(t, run.PreviousBuild)
	assert.Empty(t, run.Metrics)
	assert.Equal(t, start.UnixMilli(), run.StartEpoch())
	assert.Equal(t, end.UnixMilli(), run.EndEpoch())
}

func TestNewHistoricalRunWithoutEnd(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	lastSeen := start.Add(45 * time.Second)

	run := NewHistoricalRun(&InFlightExecution{
		TestRunID:          "RUN-8",
		ProductName:        "ACME",
		DashboardName:      "PERF",
		Start:              start,
		KeepAliveTimestamp: lastSeen,
	})

	assert.True(t, run.End.Equal(lastSeen))
	assert.Equal(t, "45  seconds", run.HumanReadableDuration)
}

func TestInFlightExecutionIsStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	threshold := 16 * time.Second

	tests := []struct {
		name      string
		keepAlive time.Time
		want      bool
	}{
		{name: "fresh", keepAlive: now.Add(-time.Second), want: false},
		{name: "exactly at threshold", keepAlive: now.Add(-threshold), want: false},
		{name: "just past threshold", keepAlive: now.Add(-threshold - time.Millisecond), want: true},
		{name: "long gone", keepAlive: now.Add(-time.Hour), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := &InFlightExecution{KeepAliveTimestamp: tt.keepAlive}
			assert.Equal(t, tt.want, e.IsStale(now, threshold))
		})
	}
}

package store

import (
	"time"

	"github.com/ethpandaops/runwatch/pkg/duration"
)

// NewHistoricalRun builds the durable record for a finished execution.
// Scoring fields are left unset.
//
// An execution whose producer never reported an end is closed at its
// last heartbeat.
func NewHistoricalRun(e *InFlightExecution) *HistoricalRun {
	end := e.KeepAliveTimestamp
	if e.End != nil {
		end = *e.End
	}

	return &HistoricalRun{
		TestRunID:             e.TestRunID,
		DashboardID:           DashboardID(e.ProductName, e.DashboardName),
		ProductName:           e.ProductName,
		ProductRelease:        e.ProductRelease,
		DashboardName:         e.DashboardName,
		Start:                 e.Start,
		End:                   end,
		RampUpPeriod:          e.RampUpPeriod,
		Completed:             e.Completed,
		HumanReadableDuration: duration.Between(e.Start, end),
		BuildResultsURL:       e.BuildResultsURL,
	}
}

// Duration returns the span of the run.
func (r *HistoricalRun) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

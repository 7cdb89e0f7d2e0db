package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ExecutionKey identifies a running test.
type ExecutionKey struct {
	TestRunID     string
	ProductName   string
	DashboardName string
}

// String implements fmt.Stringer.
func (k ExecutionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ProductName, k.DashboardName, k.TestRunID)
}

// InFlightExecution is the heartbeat record of a test that is believed to
// be running. Its presence in the store is the running state.
type InFlightExecution struct {
	ID                    uint       `gorm:"primaryKey" json:"-"`
	TestRunID             string     `gorm:"not null;uniqueIndex:idx_running_tests_key" json:"testRunId"`
	ProductName           string     `gorm:"not null;uniqueIndex:idx_running_tests_key" json:"productName"`
	DashboardName         string     `gorm:"not null;uniqueIndex:idx_running_tests_key" json:"dashboardName"`
	ProductRelease        string     `json:"productRelease,omitempty"`
	Start                 time.Time  `gorm:"column:start_time" json:"start"`
	End                   *time.Time `gorm:"column:end_time" json:"end,omitempty"`
	KeepAliveTimestamp    time.Time  `gorm:"index" json:"keepAliveTimestamp"`
	Completed             bool       `json:"completed"`
	BuildResultsURL       string     `json:"buildResultsUrl,omitempty"`
	HumanReadableDuration string     `json:"humanReadableDuration,omitempty"`
	RampUpPeriod          int64      `json:"rampUpPeriod,omitempty"`
}

// TableName overrides the gorm table name.
func (InFlightExecution) TableName() string {
	return "running_tests"
}

// Key returns the identity of the execution.
func (e *InFlightExecution) Key() ExecutionKey {
	return ExecutionKey{
		TestRunID:     e.TestRunID,
		ProductName:   e.ProductName,
		DashboardName: e.DashboardName,
	}
}

// IsStale reports whether the last heartbeat is older than threshold.
func (e *InFlightExecution) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(e.KeepAliveTimestamp) > threshold
}

// BeforeSave normalizes names and fills timestamp defaults.
func (e *InFlightExecution) BeforeSave(_ *gorm.DB) error {
	e.ProductName = strings.ToUpper(e.ProductName)
	e.ProductRelease = strings.ToUpper(e.ProductRelease)
	e.DashboardName = strings.ToUpper(e.DashboardName)

	now := time.Now().UTC()

	if e.Start.IsZero() {
		e.Start = now
	}

	if e.KeepAliveTimestamp.IsZero() {
		e.KeepAliveTimestamp = now
	}

	return nil
}

// HistoricalRun is the durable record of a finished test execution.
//
// The tri-state fields are nil until an external scoring process
// evaluates the run.
type HistoricalRun struct {
	ID                        uint      `gorm:"primaryKey" json:"-"`
	TestRunID                 string    `gorm:"not null;uniqueIndex:idx_testruns_run_dashboard" json:"testRunId"`
	DashboardID               string    `gorm:"not null;uniqueIndex:idx_testruns_run_dashboard" json:"dashboardId"`
	ProductName               string    `gorm:"index:idx_testruns_product_dashboard" json:"productName"`
	DashboardName             string    `gorm:"index:idx_testruns_product_dashboard" json:"dashboardName"`
	ProductRelease            string    `json:"productRelease,omitempty"`
	Start                     time.Time `gorm:"column:start_time;index" json:"start"`
	End                       time.Time `gorm:"column:end_time" json:"end"`
	Baseline                  *string   `json:"baseline"`
	PreviousBuild             *string   `json:"previousBuild"`
	Completed                 bool      `json:"completed"`
	HumanReadableDuration     string    `json:"humanReadableDuration"`
	MeetsRequirement          *bool     `json:"meetsRequirement"`
	BenchmarkResultFixedOK    *bool     `json:"benchmarkResultFixedOK"`
	BenchmarkResultPreviousOK *bool     `json:"benchmarkResultPreviousOK"`
	BuildResultsURL           string    `json:"buildResultsUrl,omitempty"`
	Annotations               string    `gorm:"type:text" json:"annotations,omitempty"`
	RampUpPeriod              int64     `json:"rampUpPeriod,omitempty"`
	Metrics                   []Metric  `gorm:"foreignKey:HistoricalRunID;constraint:OnDelete:CASCADE" json:"metrics"`
	CreatedAt                 time.Time `json:"-"`
}

// TableName overrides the gorm table name.
func (HistoricalRun) TableName() string {
	return "testruns"
}

// BeforeSave normalizes the run identity to upper case.
func (r *HistoricalRun) BeforeSave(_ *gorm.DB) error {
	r.TestRunID = strings.ToUpper(r.TestRunID)
	r.ProductName = strings.ToUpper(r.ProductName)
	r.ProductRelease = strings.ToUpper(r.ProductRelease)
	r.DashboardName = strings.ToUpper(r.DashboardName)
	r.DashboardID = DashboardID(r.ProductName, r.DashboardName)

	return nil
}

// StartEpoch returns the start of the run in epoch milliseconds.
func (r *HistoricalRun) StartEpoch() int64 {
	return r.Start.UnixMilli()
}

// EndEpoch returns the end of the run in epoch milliseconds.
func (r *HistoricalRun) EndEpoch() int64 {
	return r.End.UnixMilli()
}

// Metric is a scored metric attached to a historical run.
type Metric struct {
	ID                        uint           `gorm:"primaryKey" json:"-"`
	HistoricalRunID           uint           `gorm:"index" json:"-"`
	Alias                     string         `json:"alias"`
	Type                      string         `json:"type"`
	Tags                      []string       `gorm:"serializer:json" json:"tags,omitempty"`
	RequirementOperator       string         `json:"requirementOperator,omitempty"`
	RequirementValue          string         `json:"requirementValue,omitempty"`
	BenchmarkOperator         string         `json:"benchmarkOperator,omitempty"`
	BenchmarkValue            string         `json:"benchmarkValue,omitempty"`
	MeetsRequirement          *bool          `json:"meetsRequirement"`
	BenchmarkResultFixedOK    *bool          `json:"benchmarkResultFixedOK"`
	BenchmarkResultPreviousOK *bool          `json:"benchmarkResultPreviousOK"`
	Annotation                string         `json:"annotation,omitempty"`
	Targets                   []MetricTarget `gorm:"foreignKey:MetricID;constraint:OnDelete:CASCADE" json:"targets"`
}

// TableName overrides the gorm table name.
func (Metric) TableName() string {
	return "testrun_metrics"
}

// MetricTarget is the per-target result of a metric.
type MetricTarget struct {
	ID                        uint     `gorm:"primaryKey" json:"-"`
	MetricID                  uint     `gorm:"index" json:"-"`
	Target                    string   `json:"target"`
	Value                     float64  `json:"value"`
	BenchmarkPreviousValue    *float64 `json:"benchmarkPreviousValue"`
	BenchmarkFixedValue       *float64 `json:"benchmarkFixedValue"`
	MeetsRequirement          *bool    `json:"meetsRequirement"`
	BenchmarkResultFixedOK    *bool    `json:"benchmarkResultFixedOK"`
	BenchmarkResultPreviousOK *bool    `json:"benchmarkResultPreviousOK"`
}

// TableName overrides the gorm table name.
func (MetricTarget) TableName() string {
	return "testrun_targets"
}

// DashboardID is the natural key of a dashboard within a product.
func DashboardID(productName, dashboardName string) string {
	return strings.ToUpper(productName) + "-" + strings.ToUpper(dashboardName)
}

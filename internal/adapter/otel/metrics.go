package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "howdoifare"

// Metrics holds the sync worker's metric instruments.
type Metrics struct {
	JobsStarted  metric.Int64Counter
	JobsFinished metric.Int64Counter
	ItemsSynced  metric.Int64Counter
	Throttled    metric.Int64Counter
	LockSkipped  metric.Int64Counter
	JobDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.JobsStarted, err = meter.Int64Counter("howdoifare.sync.jobs.started",
		metric.WithDescription("Number of sync jobs started"))
	if err != nil {
		return nil, err
	}

	m.JobsFinished, err = meter.Int64Counter("howdoifare.sync.jobs.finished",
		metric.WithDescription("Number of sync jobs finished, by final status"))
	if err != nil {
		return nil, err
	}

	m.ItemsSynced, err = meter.Int64Counter("howdoifare.sync.items",
		metric.WithDescription("Pull requests and issues written"))
	if err != nil {
		return nil, err
	}

	m.Throttled, err = meter.Int64Counter("howdoifare.sync.throttled",
		metric.WithDescription("Throttle back-offs taken"))
	if err != nil {
		return nil, err
	}

	m.LockSkipped, err = meter.Int64Counter("howdoifare.sync.lock_skipped",
		metric.WithDescription("Scopes skipped because another credential held the lock"))
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("howdoifare.sync.job.duration_seconds",
		metric.WithDescription("Sync job duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

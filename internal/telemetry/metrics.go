package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/sprintforge/worksync/sync"
)

// SyncMetrics holds the OpenTelemetry instruments for sync job metrics
type SyncMetrics struct {
	syncDuration  metric.Float64Histogram
	entitiesTotal metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"worksync_sync_duration_seconds",
		metric.WithDescription("Duration of sync jobs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	entitiesTotal, err := meter.Int64Counter(
		"worksync_sync_entities_total",
		metric.WithDescription("Number of entities reconciled, by kind and outcome"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:  syncDuration,
		entitiesTotal: entitiesTotal,
	}, nil
}

// RecordSyncDuration records the duration of a completed sync job
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, scope string, duration time.Duration, success bool) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("scope", scope),
		attribute.Bool("success", success),
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEntities records reconciled entity counts for one kind and outcome
func (m *SyncMetrics) RecordEntities(ctx context.Context, kind, outcome string, count int64) {
	if m == nil || m.entitiesTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}

	m.entitiesTotal.Add(ctx, count, metric.WithAttributes(attrs...))
}

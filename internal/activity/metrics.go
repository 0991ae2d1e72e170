package activity

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"harvestline/internal/domain"
)

const meterName = "harvestline/internal/activity"

type runMetrics struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

func newRunMetrics(mp metric.MeterProvider) *runMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &runMetrics{}
	m.runs, _ = meter.Int64Counter("harvestline.activity.runs",
		metric.WithDescription("Completed activity runs by agent and outcome."))
	m.duration, _ = meter.Float64Histogram("harvestline.activity.duration",
		metric.WithDescription("Wall time of activity runs."),
		metric.WithUnit("s"))
	return m
}

func (m *runMetrics) record(ctx context.Context, agentName string, status domain.Status, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("agent", agentName),
		attribute.String("status", string(status)),
	)
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
}

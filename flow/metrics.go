package flow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const runDurationMetric = "runnable.run.duration"

// runMetrics records run durations on an OpenTelemetry histogram.
type runMetrics struct {
	duration metric.Float64Histogram
}

func newRunMetrics(meter metric.Meter) (*runMetrics, error) {
	h, err := meter.Float64Histogram(runDurationMetric,
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of pipeline runs"),
	)
	if err != nil {
		return nil, err
	}
	return &runMetrics{duration: h}, nil
}

func (m *runMetrics) record(ctx context.Context, elapsed time.Duration, pipeline string, err error) {
	if m == nil {
		return
	}
	m.duration.Record(context.WithoutCancel(ctx), float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("runnable.pipeline", pipeline),
		attribute.Bool("runnable.error", err != nil),
	))
}

package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics holds the analysis pipeline instruments.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	attempts    metric.Int64Counter
	duration    metric.Float64Histogram
	failures    metric.Int64Counter
	retries     metric.Int64Counter
	runOutcomes metric.Int64Counter
}

// NewPipelineMetrics creates the pipeline instruments on the global meter provider
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter(instrumentationName)

	attempts, err := meter.Int64Counter(
		"analysis.pipeline.attempts",
		metric.WithDescription("Number of pipeline attempts"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"analysis.pipeline.duration",
		metric.WithDescription("Pipeline attempt duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"analysis.pipeline.failures",
		metric.WithDescription("Number of failed pipeline attempts by error type"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"analysis.pipeline.retries",
		metric.WithDescription("Number of scheduled pipeline retries"),
	)
	if err != nil {
		return nil, err
	}

	runOutcomes, err := meter.Int64Counter(
		"analysis.run.outcomes",
		metric.WithDescription("Number of finished analysis runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		attempts:    attempts,
		duration:    duration,
		failures:    failures,
		retries:     retries,
		runOutcomes: runOutcomes,
	}, nil
}

// RecordAttempt records one finished attempt. errorType is empty on success.
func (m *PipelineMetrics) RecordAttempt(ctx context.Context, kind string, elapsed time.Duration, errorType string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("pipeline.kind", kind))
	m.attempts.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	if errorType != "" {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pipeline.kind", kind),
			attribute.String("error.type", errorType),
		))
	}
}

// RecordRetry records a scheduled retry
func (m *PipelineMetrics) RecordRetry(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline.kind", kind)))
}

// RecordRunOutcome records a run reaching completed or cancelled
func (m *PipelineMetrics) RecordRunOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.runOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("run.outcome", outcome)))
}

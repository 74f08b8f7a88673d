package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics, organised by the golden signals
// (latency, traffic, errors, saturation). A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Run metrics (Latency, Traffic, Errors, Saturation)
	RunDuration     metric.Float64Histogram
	RunsStarted     metric.Int64Counter
	RunsFinished    metric.Int64Counter
	RunsActive      metric.Int64UpDownCounter
	ScheduleFired   metric.Int64Counter
	ScheduleSkipped metric.Int64Counter

	// Container runtime metrics (Errors)
	RuntimeErrors metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	BreakerTransitions   metric.Int64Counter
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobctl")
	m := &Metrics{meter: meter}

	// HTTP metrics
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return nil, nil, err
	}

	// Run metrics
	if m.RunDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Run duration from start to finalization in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	); err != nil {
		return nil, nil, err
	}
	if m.RunsStarted, err = meter.Int64Counter(
		"runs_started_total",
		metric.WithDescription("Total number of runs started, by run type"),
	); err != nil {
		return nil, nil, err
	}
	if m.RunsFinished, err = meter.Int64Counter(
		"runs_finished_total",
		metric.WithDescription("Total number of runs finalized, by outcome and error type"),
	); err != nil {
		return nil, nil, err
	}
	if m.RunsActive, err = meter.Int64UpDownCounter(
		"runs_active",
		metric.WithDescription("Number of runs currently RUNNING (saturation)"),
	); err != nil {
		return nil, nil, err
	}
	if m.ScheduleFired, err = meter.Int64Counter(
		"schedule_fired_total",
		metric.WithDescription("Total number of due schedules that dispatched a run"),
	); err != nil {
		return nil, nil, err
	}
	if m.ScheduleSkipped, err = meter.Int64Counter(
		"schedule_skipped_total",
		metric.WithDescription("Total number of due schedules skipped because the job was busy"),
	); err != nil {
		return nil, nil, err
	}

	if m.RuntimeErrors, err = meter.Int64Counter(
		"runtime_errors_total",
		metric.WithDescription("Total number of container runtime call failures, by operation"),
	); err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	if m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit or rate limit"),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	); err != nil {
		return nil, nil, err
	}
	if m.BreakerTransitions, err = meter.Int64Counter(
		"dispatcher_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state changes, by target state"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRunStarted records a run entering RUNNING.
func (m *Metrics) RecordRunStarted(ctx context.Context, runType string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(runTypeAttr(runType))
	m.RunsStarted.Add(ctx, 1, attrs)
	m.RunsActive.Add(ctx, 1)
}

// RecordRunFinished records a run leaving RUNNING.
func (m *Metrics) RecordRunFinished(ctx context.Context, runType, outcome, errorType string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(runTypeAttr(runType), outcomeAttr(outcome), errorTypeAttr(errorType))
	m.RunsFinished.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, durationSeconds, metric.WithAttributes(runTypeAttr(runType), outcomeAttr(outcome)))
	m.RunsActive.Add(ctx, -1)
}

// RecordScheduleFired records a due schedule that dispatched a run.
func (m *Metrics) RecordScheduleFired(ctx context.Context) {
	if m == nil {
		return
	}
	m.ScheduleFired.Add(ctx, 1)
}

// RecordScheduleSkipped records a due schedule whose job was busy.
func (m *Metrics) RecordScheduleSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.ScheduleSkipped.Add(ctx, 1)
}

// RecordRuntimeError records a failed container runtime call.
func (m *Metrics) RecordRuntimeError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.RuntimeErrors.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}

// RecordBreakerTransition records a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

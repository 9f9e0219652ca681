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

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/deliveries take
// - Traffic: Request/item throughput
// - Errors: Rate of failures
// - Saturation: Queue depth and batch sizes
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Delivery metrics (Latency, Traffic, Errors, Saturation)
	DeliveryDuration metric.Float64Histogram
	EnqueuedTotal    metric.Int64Counter
	DeliveredTotal   metric.Int64Counter
	RetriesTotal     metric.Int64Counter
	ExhaustedTotal   metric.Int64Counter
	RejectedTotal    metric.Int64Counter
	DuplicatesTotal  metric.Int64Counter
	QueueDepth       metric.Int64Gauge
	BatchSize        metric.Int64Histogram

	// Resilience metrics
	BreakerTransitions metric.Int64Counter
	EventsTotal        metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("courier"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	// Delivery metrics
	m.DeliveryDuration, err = meter.Float64Histogram(
		"delivery_duration_seconds",
		metric.WithDescription("Successful delivery attempt latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.EnqueuedTotal, "delivery_enqueued_total", "Total items accepted into queues"},
		{&m.DeliveredTotal, "delivery_delivered_total", "Total items delivered"},
		{&m.RetriesTotal, "delivery_retries_total", "Total failed attempts rescheduled with backoff"},
		{&m.ExhaustedTotal, "delivery_exhausted_total", "Total items retired after the last attempt failed"},
		{&m.RejectedTotal, "delivery_rejected_total", "Total items retired on a permanent failure"},
		{&m.DuplicatesTotal, "delivery_duplicates_total", "Total items dropped as duplicates"},
		{&m.BreakerTransitions, "breaker_transitions_total", "Total circuit breaker state transitions"},
		{&m.EventsTotal, "delivery_events_total", "Total delivery events by kind"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"delivery_queue_depth",
		metric.WithDescription("Pending items per queue (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchSize, err = meter.Int64Histogram(
		"delivery_batch_size",
		metric.WithDescription("Events per flushed batch"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
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

// RecordEnqueued records an item accepted into queue.
func (m *Metrics) RecordEnqueued(ctx context.Context, queue string) {
	m.EnqueuedTotal.Add(ctx, 1, WithQueue(queue))
}

// RecordDelivered records a successful delivery with its duration.
func (m *Metrics) RecordDelivered(ctx context.Context, queue string, durationSeconds float64) {
	m.DeliveredTotal.Add(ctx, 1, WithQueue(queue))
	m.DeliveryDuration.Record(ctx, durationSeconds, WithQueue(queue))
}

// RecordRetry records a failed attempt that was rescheduled.
func (m *Metrics) RecordRetry(ctx context.Context, queue string) {
	m.RetriesTotal.Add(ctx, 1, WithQueue(queue))
}

// RecordExhausted records an item retired after its last attempt.
func (m *Metrics) RecordExhausted(ctx context.Context, queue string) {
	m.ExhaustedTotal.Add(ctx, 1, WithQueue(queue))
}

// RecordRejected records an item retired on a permanent failure.
func (m *Metrics) RecordRejected(ctx context.Context, queue string) {
	m.RejectedTotal.Add(ctx, 1, WithQueue(queue))
}

// RecordDuplicate records an item dropped as a duplicate.
func (m *Metrics) RecordDuplicate(ctx context.Context, queue string) {
	m.DuplicatesTotal.Add(ctx, 1, WithQueue(queue))
}

// RecordQueueDepth records the current number of pending items.
func (m *Metrics) RecordQueueDepth(ctx context.Context, queue string, depth int64) {
	m.QueueDepth.Record(ctx, depth, WithQueue(queue))
}

// RecordBatchFlushed records the size of a flushed batch.
func (m *Metrics) RecordBatchFlushed(ctx context.Context, queue string, size int) {
	m.BatchSize.Record(ctx, int64(size), WithQueue(queue))
}

// RecordBreakerTransition records a breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, resource, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(resourceAttr(resource), stateAttr(state)))
}

// RecordEvent counts a delivery event. Queue is empty for breaker events.
func (m *Metrics) RecordEvent(ctx context.Context, kind, queue string) {
	m.EventsTotal.Add(ctx, 1, metric.WithAttributes(eventAttr(kind), queueAttr(queue)))
}

// Package observe provides application-wide observability primitives for
// NOX: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and scraped through
// [MetricsHandler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all NOX metrics.
const meterName = "github.com/MrWong99/nox"

// Session start outcomes reported on [Metrics.ASRSessions].
const (
	OutcomeStarted        = "started"
	OutcomeCredential     = "credential"
	OutcomeDialError      = "dial_error"
	OutcomeConnectTimeout = "connect_timeout"
	OutcomeTaskTimeout    = "task_timeout"
	OutcomeTaskFailed     = "task_failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Recognition relay ---

	// ASRSessions counts start attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	ASRSessions metric.Int64Counter

	// ASRActiveSessions tracks registered recognition sessions.
	ASRActiveSessions metric.Int64UpDownCounter

	// ASREvents counts upstream events. Use with attribute:
	//   attribute.String("event", ...)
	ASREvents metric.Int64Counter

	// ASRAudioBytes counts PCM bytes forwarded upstream.
	ASRAudioBytes metric.Int64Counter

	// ASRStartDuration tracks dial plus task-started latency.
	ASRStartDuration metric.Float64Histogram

	// --- Collaborator latency ---

	// ChatDuration tracks chat completion latency.
	ChatDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency, download included.
	TTSDuration metric.Float64Histogram

	// --- Provider calls ---

	// ProviderRequests counts upstream API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts upstream errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", "2xx"|"4xx"|...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// upstream round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ASRSessions, err = m.Int64Counter("nox.asr.sessions",
		metric.WithDescription("Recognition session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ASRActiveSessions, err = m.Int64UpDownCounter("nox.asr.active_sessions",
		metric.WithDescription("Number of registered recognition sessions."),
	); err != nil {
		return nil, err
	}
	if met.ASREvents, err = m.Int64Counter("nox.asr.events",
		metric.WithDescription("Upstream recognition events by kind."),
	); err != nil {
		return nil, err
	}
	if met.ASRAudioBytes, err = m.Int64Counter("nox.asr.audio_bytes",
		metric.WithDescription("PCM bytes forwarded to the recognition service."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ASRStartDuration, err = m.Float64Histogram("nox.asr.start.duration",
		metric.WithDescription("Latency from start request to task-started."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ChatDuration, err = m.Float64Histogram("nox.chat.duration",
		metric.WithDescription("Latency of chat completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("nox.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("nox.provider.requests",
		metric.WithDescription("Total upstream API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("nox.provider.errors",
		metric.WithDescription("Total upstream errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("nox.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionStart records one start attempt with its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, outcome string) {
	m.ASRSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEvent records one upstream recognition event.
func (m *Metrics) RecordEvent(ctx context.Context, event string) {
	m.ASREvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// Package observe provides application-wide observability primitives for
// duolog: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duolog metrics.
const meterName = "github.com/jvdbroek/duolog"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// TurnsAppended counts turn fragments applied to the log. Use with
	// attribute:
	//   attribute.String("role", ...)
	TurnsAppended metric.Int64Counter

	// TurnsFinalized counts turns frozen in the log. Use with attribute:
	//   attribute.String("role", ...)
	TurnsFinalized metric.Int64Counter

	// Logins counts login attempts. Use with attribute:
	//   attribute.String("status", ...) — "ok", "invalid_format",
	//   "persistence_error", or "superseded".
	Logins metric.Int64Counter

	// MessagesPersisted counts durable message writes. Use with attribute:
	//   attribute.String("status", ...) — "ok" or "error".
	MessagesPersisted metric.Int64Counter

	// --- Latency histograms ---

	// PersistDuration tracks the latency of message persistence writes.
	PersistDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of currently bound translation
	// sessions (0 or 1 per process today, but counted for future multi-desk
	// deployments).
	ActiveSessions metric.Int64UpDownCounter

	// FeedConnections tracks the number of connected feed and viewer
	// sockets.
	FeedConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// single-row database writes and interactive HTTP requests.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.TurnsAppended, err = m.Int64Counter("duolog.turns.appended",
		metric.WithDescription("Total turn fragments applied to the log by role."),
	); err != nil {
		return nil, err
	}
	if met.TurnsFinalized, err = m.Int64Counter("duolog.turns.finalized",
		metric.WithDescription("Total turns finalized in the log by role."),
	); err != nil {
		return nil, err
	}
	if met.Logins, err = m.Int64Counter("duolog.logins",
		metric.WithDescription("Total login attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.MessagesPersisted, err = m.Int64Counter("duolog.messages.persisted",
		metric.WithDescription("Total message persistence attempts by status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PersistDuration, err = m.Float64Histogram("duolog.persist.duration",
		metric.WithDescription("Latency of message persistence writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("duolog.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("duolog.active_sessions",
		metric.WithDescription("Number of currently bound translation sessions."),
	); err != nil {
		return nil, err
	}
	if met.FeedConnections, err = m.Int64UpDownCounter("duolog.feed_connections",
		metric.WithDescription("Number of connected feed and viewer sockets."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurnAppended records one applied turn fragment for role.
func (m *Metrics) RecordTurnAppended(ctx context.Context, role string) {
	m.TurnsAppended.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordTurnFinalized records one finalized turn for role.
func (m *Metrics) RecordTurnFinalized(ctx context.Context, role string) {
	m.TurnsFinalized.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordLogin records a login attempt outcome.
func (m *Metrics) RecordLogin(ctx context.Context, status string) {
	m.Logins.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordMessagePersisted records a persistence attempt outcome and its
// duration in seconds.
func (m *Metrics) RecordMessagePersisted(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.MessagesPersisted.Add(ctx, 1, attrs)
	m.PersistDuration.Record(ctx, seconds, attrs)
}

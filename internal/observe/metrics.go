// Package observe provides application-wide observability primitives for
// the Tool Broker: OpenTelemetry metrics, distributed tracing, structured
// logging correlation, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Broker metrics.
const meterName = "github.com/danieliser/code-mode"

// Metrics holds all OpenTelemetry metric instruments used by the Broker.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// CallDuration tracks wall-clock latency of [mcp.Broker.Invoke], from
	// dispatch to resolution (reply, timeout, or teardown).
	CallDuration metric.Float64Histogram

	// CallsTotal counts calls dispatched to a server after passing the
	// Policy Engine; denials are counted in DeniedTotal instead. Use with
	// attributes:
	//   attribute.String("server", ...), attribute.String("tool", ...),
	//   attribute.String("outcome", ...) — one of success, timeout, error.
	CallsTotal metric.Int64Counter

	// DeniedTotal counts Policy Engine denials. Use with attribute:
	//   attribute.String("reason", ...).
	DeniedTotal metric.Int64Counter

	// RateLimitedTotal counts calls refused by the per-server rate counter
	// or concurrency cap.
	RateLimitedTotal metric.Int64Counter

	// MockedTotal counts calls answered with a [mcp.MockReply] under
	// degraded-mode fallback.
	MockedTotal metric.Int64Counter

	// ConcurrentCalls tracks the live in-flight call count per server. Use
	// with attribute: attribute.String("server", ...).
	ConcurrentCalls metric.Int64UpDownCounter

	// ServersReady tracks the number of tool servers currently in the ready
	// state.
	ServersReady metric.Int64UpDownCounter

	// --- HTTP middleware (health/metrics surface) ---

	// HTTPRequestDuration tracks HTTP request processing time for the
	// Broker's own diagnostic endpoints. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// typical tool-call latencies, from sub-10ms local tools to the default
// 30-second dispatch deadline.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallDuration, err = m.Float64Histogram("broker.call.duration",
		metric.WithDescription("Latency of tool calls from dispatch to resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.CallsTotal, err = m.Int64Counter("broker.calls",
		metric.WithDescription("Total tool calls by server, tool, and outcome."),
	); err != nil {
		return nil, err
	}
	if met.DeniedTotal, err = m.Int64Counter("broker.calls.denied",
		metric.WithDescription("Total calls rejected by the policy engine, by reason."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitedTotal, err = m.Int64Counter("broker.calls.rate_limited",
		metric.WithDescription("Total calls refused by the rate counter or concurrency cap."),
	); err != nil {
		return nil, err
	}
	if met.MockedTotal, err = m.Int64Counter("broker.calls.mocked",
		metric.WithDescription("Total calls answered with a synthetic mock reply."),
	); err != nil {
		return nil, err
	}

	if met.ConcurrentCalls, err = m.Int64UpDownCounter("broker.calls.concurrent",
		metric.WithDescription("Live in-flight call count per server."),
	); err != nil {
		return nil, err
	}
	if met.ServersReady, err = m.Int64UpDownCounter("broker.servers.ready",
		metric.WithDescription("Number of tool servers currently in the ready state."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("broker.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordCall is a convenience method that records a call outcome with the
// standard attribute set and, when duration is non-negative, the latency
// histogram.
func (m *Metrics) RecordCall(ctx context.Context, server, tool, outcome string, durationSeconds float64) {
	m.CallsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("tool", tool),
			attribute.String("outcome", outcome),
		),
	)
	if durationSeconds >= 0 {
		m.CallDuration.Record(ctx, durationSeconds,
			metric.WithAttributes(
				attribute.String("server", server),
				attribute.String("tool", tool),
			),
		)
	}
}

// RecordDenied is a convenience method that records a policy denial.
func (m *Metrics) RecordDenied(ctx context.Context, reason string) {
	m.DeniedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRateLimited is a convenience method that records a rate/concurrency
// refusal for server.
func (m *Metrics) RecordRateLimited(ctx context.Context, server string) {
	m.RateLimitedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

// RecordMocked is a convenience method that records a degraded-mode mock
// reply for server.
func (m *Metrics) RecordMocked(ctx context.Context, server string) {
	m.MockedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

// Package observe provides application-wide observability primitives for
// voicelink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/MrWong99/voicelink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Connection ---

	// ConnectionAttempts counts dial attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConnectionAttempts metric.Int64Counter

	// ReconnectsScheduled counts backoff retries that were scheduled.
	ReconnectsScheduled metric.Int64Counter

	// ActiveConnections is 1 while the streaming connection is open.
	ActiveConnections metric.Int64UpDownCounter

	// TokenIssueDuration tracks ephemeral token issuance latency.
	TokenIssueDuration metric.Float64Histogram

	// --- Turns ---

	// TurnsSent counts recorded turns delivered to the remote service.
	TurnsSent metric.Int64Counter

	// TurnPayloadBytes tracks the serialized size of sent turns.
	TurnPayloadBytes metric.Int64Histogram

	// TurnsDiscarded counts turns dropped before delivery. Use with attribute:
	//   attribute.String("reason", ...)
	TurnsDiscarded metric.Int64Counter

	// DecodeFailures counts inbound messages that could not be decoded.
	DecodeFailures metric.Int64Counter

	// --- Capture ---

	// RecordingDuration tracks the length of finished recordings.
	RecordingDuration metric.Float64Histogram

	// SilenceTimeouts counts recordings ended by sustained silence.
	SilenceTimeouts metric.Int64Counter

	// CaptureErrors counts capture start and read failures. Use with attribute:
	//   attribute.String("kind", ...)
	CaptureErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// recordingBuckets covers push-to-talk recordings up to the 60s ceiling.
var recordingBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 45, 60,
}

// payloadBuckets covers turn payloads up to the 4 MiB message limit.
var payloadBuckets = []float64{
	1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 2 << 20, 4 << 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Connection.
	if met.ConnectionAttempts, err = m.Int64Counter("voicelink.connection.attempts",
		metric.WithDescription("Total connection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectsScheduled, err = m.Int64Counter("voicelink.connection.reconnects_scheduled",
		metric.WithDescription("Total reconnection attempts scheduled with backoff."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voicelink.connection.active",
		metric.WithDescription("Number of open streaming connections."),
	); err != nil {
		return nil, err
	}
	if met.TokenIssueDuration, err = m.Float64Histogram("voicelink.token.issue.duration",
		metric.WithDescription("Latency of ephemeral token issuance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Turns.
	if met.TurnsSent, err = m.Int64Counter("voicelink.turns.sent",
		metric.WithDescription("Total recorded turns sent to the remote service."),
	); err != nil {
		return nil, err
	}
	if met.TurnPayloadBytes, err = m.Int64Histogram("voicelink.turns.payload_bytes",
		metric.WithDescription("Serialized size of sent turns."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(payloadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnsDiscarded, err = m.Int64Counter("voicelink.turns.discarded",
		metric.WithDescription("Total recorded turns discarded before delivery by reason."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("voicelink.messages.decode_failures",
		metric.WithDescription("Total inbound messages that failed to decode."),
	); err != nil {
		return nil, err
	}

	// Capture.
	if met.RecordingDuration, err = m.Float64Histogram("voicelink.recording.duration",
		metric.WithDescription("Length of finished recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SilenceTimeouts, err = m.Int64Counter("voicelink.recording.silence_timeouts",
		metric.WithDescription("Total recordings ended by sustained silence."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("voicelink.capture.errors",
		metric.WithDescription("Total capture failures by kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
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

// RecordConnectionAttempt records a dial attempt with its outcome.
func (m *Metrics) RecordConnectionAttempt(ctx context.Context, status string) {
	m.ConnectionAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTurnSent records a delivered turn and its payload size.
func (m *Metrics) RecordTurnSent(ctx context.Context, payloadBytes int) {
	m.TurnsSent.Add(ctx, 1)
	m.TurnPayloadBytes.Record(ctx, int64(payloadBytes))
}

// RecordTurnDiscarded records a turn dropped before delivery.
func (m *Metrics) RecordTurnDiscarded(ctx context.Context, reason string) {
	m.TurnsDiscarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordCaptureError records a capture failure.
func (m *Metrics) RecordCaptureError(ctx context.Context, kind string) {
	m.CaptureErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordRecording records the length of a finished recording.
func (m *Metrics) RecordRecording(ctx context.Context, d time.Duration) {
	m.RecordingDuration.Record(ctx, d.Seconds())
}

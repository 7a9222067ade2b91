// Package observe provides observability primitives for micstream:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// for the operations server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so the same instruments can be
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all micstream metrics.
const meterName = "github.com/MrWong99/micstream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio path ---

	// FramesCaptured counts frames delivered by the capture device.
	FramesCaptured metric.Int64Counter

	// FramesSent counts audio frames handed to a live connection.
	FramesSent metric.Int64Counter

	// FramesQueued counts audio frames parked in the outbound queue.
	FramesQueued metric.Int64Counter

	// FramesDropped counts frames that were discarded. Use with attribute:
	//   attribute.String("reason", ...): queue_full, encode, stopped
	FramesDropped metric.Int64Counter

	// QueueDepth reports the outbound queue length after each change.
	QueueDepth metric.Int64Gauge

	// --- Connection lifecycle ---

	// ConnectAttempts counts dials. Use with attribute:
	//   attribute.String("status", ...): success, failure
	ConnectAttempts metric.Int64Counter

	// ConnectDuration tracks dial + handshake latency.
	ConnectDuration metric.Float64Histogram

	// ReconnectsScheduled counts reconnect timers armed after a failure.
	ReconnectsScheduled metric.Int64Counter

	// RetryExhausted counts terminal connection failures.
	RetryExhausted metric.Int64Counter

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// Connected is 1 while a connection is open, 0 otherwise.
	Connected metric.Int64UpDownCounter

	// --- Control channel ---

	// ControlMessages counts inbound control messages. Use with attribute:
	//   attribute.String("type", ...): including "malformed" and "unknown"
	ControlMessages metric.Int64Counter

	// Heartbeats counts heartbeat ticks. Use with attribute:
	//   attribute.String("result", ...): sent, timeout
	Heartbeats metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection handshakes over a WAN.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio path.
	if met.FramesCaptured, err = m.Int64Counter("micstream.frames.captured",
		metric.WithDescription("Audio frames delivered by the capture device."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("micstream.frames.sent",
		metric.WithDescription("Audio frames written to a live connection."),
	); err != nil {
		return nil, err
	}
	if met.FramesQueued, err = m.Int64Counter("micstream.frames.queued",
		metric.WithDescription("Audio frames queued while disconnected."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("micstream.frames.dropped",
		metric.WithDescription("Audio frames discarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("micstream.queue.depth",
		metric.WithDescription("Current number of queued outbound messages."),
	); err != nil {
		return nil, err
	}

	// Connection lifecycle.
	if met.ConnectAttempts, err = m.Int64Counter("micstream.connect.attempts",
		metric.WithDescription("Connection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("micstream.connect.duration",
		metric.WithDescription("Latency of dialling the transcription service."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReconnectsScheduled, err = m.Int64Counter("micstream.reconnects.scheduled",
		metric.WithDescription("Reconnect timers armed after a connection failure."),
	); err != nil {
		return nil, err
	}
	if met.RetryExhausted, err = m.Int64Counter("micstream.retry.exhausted",
		metric.WithDescription("Terminal connection failures after the retry ceiling."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("micstream.state.transitions",
		metric.WithDescription("Session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.Connected, err = m.Int64UpDownCounter("micstream.connected",
		metric.WithDescription("1 while a streaming connection is open."),
	); err != nil {
		return nil, err
	}

	// Control channel.
	if met.ControlMessages, err = m.Int64Counter("micstream.control.messages",
		metric.WithDescription("Inbound control messages by type."),
	); err != nil {
		return nil, err
	}
	if met.Heartbeats, err = m.Int64Counter("micstream.heartbeats",
		metric.WithDescription("Heartbeat ticks by result."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("micstream.http.request.duration",
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

// RecordFrameDropped increments the dropped-frame counter for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConnectAttempt records the outcome and latency of one dial.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ConnectAttempts.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStateTransition increments the transition counter.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordControlMessage increments the inbound control message counter.
func (m *Metrics) RecordControlMessage(ctx context.Context, typ string) {
	m.ControlMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordHeartbeat increments the heartbeat counter for result.
func (m *Metrics) RecordHeartbeat(ctx context.Context, result string) {
	m.Heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Package observe wires OpenTelemetry into callpilot: the metric
// instruments every component records into, span helpers that tag work with
// a session, and the HTTP middleware.
//
// [InitProvider] bridges metrics to the Prometheus default registry. Code
// that has no injected [Metrics] uses [DefaultMetrics]; tests build their own
// with [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/callpilot"

// Metrics holds the instruments. Safe for concurrent use.
type Metrics struct {
	// --- Audio path ---

	// FramesIngested counts frames pushed towards an engine. Attribute: channel.
	FramesIngested metric.Int64Counter

	// FramesDropped counts frames discarded by a full restart buffer.
	// Attribute: channel.
	FramesDropped metric.Int64Counter

	// SequenceGaps counts missing sequence numbers observed before the
	// engine. Attribute: channel.
	SequenceGaps metric.Int64Counter

	// --- Transcription engine ---

	// EngineRestarts counts engine session rollovers. Attributes: channel, reason.
	EngineRestarts metric.Int64Counter

	// EngineFailures counts engine session failures. Attributes: channel, fatal.
	EngineFailures metric.Int64Counter

	// TranscriptEvents counts transcript events delivered to sessions.
	// Attributes: channel, final.
	TranscriptEvents metric.Int64Counter

	// --- Assistance ---

	// AssistanceDuration tracks end-to-end assistance generation latency,
	// retries included. Attribute: status.
	AssistanceDuration metric.Float64Histogram

	// --- Providers ---

	// ProviderRequests counts provider API calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes.
	// Attributes: provider, kind, state (the new state).
	BreakerTransitions metric.Int64Counter

	// --- Sessions and delivery ---

	// SessionErrors counts session-error events. Attribute: kind.
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of connected operator clients.
	ActiveConnections metric.Int64UpDownCounter

	// DeliveryDropped counts outbound messages discarded because a client
	// queue was full. Attribute: type.
	DeliveryDropped metric.Int64Counter

	// CallLogDropped counts call log entries discarded because the writer
	// queue was full.
	CallLogDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, route (the mux pattern, never the raw path).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are in seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesIngested, "callpilot.audio.frames", "Audio frames pushed towards the transcription engine by channel."},
		{&met.FramesDropped, "callpilot.audio.frames_dropped", "Audio frames dropped by a full restart buffer by channel."},
		{&met.SequenceGaps, "callpilot.audio.sequence_gaps", "Missing frame sequence numbers by channel."},
		{&met.EngineRestarts, "callpilot.engine.restarts", "Transcription engine session rollovers by channel and reason."},
		{&met.EngineFailures, "callpilot.engine.failures", "Transcription engine session failures by channel and fatality."},
		{&met.TranscriptEvents, "callpilot.transcript.events", "Transcript events by channel and finality."},
		{&met.ProviderRequests, "callpilot.provider.requests", "Provider calls by provider, kind and status."},
		{&met.ProviderErrors, "callpilot.provider.errors", "Failed provider calls by provider and kind."},
		{&met.BreakerTransitions, "callpilot.provider.breaker_transitions", "Circuit breaker state changes by provider, kind and new state."},
		{&met.SessionErrors, "callpilot.session.errors", "Session-error events by kind."},
		{&met.DeliveryDropped, "callpilot.delivery.dropped", "Outbound client messages dropped on a full queue by type."},
		{&met.CallLogDropped, "callpilot.calllog.dropped", "Call log entries dropped on a full writer queue."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.AssistanceDuration, err = m.Float64Histogram("callpilot.assistance.duration",
		metric.WithDescription("Latency of assistance generation including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("callpilot.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("callpilot.active_connections",
		metric.WithDescription("Number of connected operator clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("callpilot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// DefaultMetrics returns the shared [Metrics] on the global meter provider.
// Call it after [InitProvider] so the instruments reach Prometheus.
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

// RecordFrames records n frames pushed for channel.
func (m *Metrics) RecordFrames(ctx context.Context, channel string, n int64) {
	m.FramesIngested.Add(ctx, n, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordFramesDropped records n frames discarded for channel.
func (m *Metrics) RecordFramesDropped(ctx context.Context, channel string, n int64) {
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordSequenceGap records n missing sequence numbers for channel.
func (m *Metrics) RecordSequenceGap(ctx context.Context, channel string, n int64) {
	m.SequenceGaps.Add(ctx, n, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordEngineRestart records one engine session rollover.
func (m *Metrics) RecordEngineRestart(ctx context.Context, channel, reason string) {
	m.EngineRestarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("reason", reason),
	))
}

// RecordEngineFailure records one engine session failure.
func (m *Metrics) RecordEngineFailure(ctx context.Context, channel string, fatal bool) {
	m.EngineFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("fatal", strconv.FormatBool(fatal)),
	))
}

// RecordTranscript records one transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, channel string, final bool) {
	m.TranscriptEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("final", strconv.FormatBool(final)),
	))
}

// RecordAssistance records the latency of one assistance generation.
func (m *Metrics) RecordAssistance(ctx context.Context, status string, d time.Duration) {
	m.AssistanceDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderRequest records one call to a provider and its outcome.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a provider's circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, kind, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("state", state),
	))
}

// RecordSessionError records one session-error event.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDeliveryDrop records one outbound message dropped for a slow client.
func (m *Metrics) RecordDeliveryDrop(ctx context.Context, msgType string) {
	m.DeliveryDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

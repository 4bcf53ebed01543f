package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "venuelink.session"

// Metrics records session, reconciliation and command counters. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	venue string

	frames          metric.Int64Counter
	malformed       metric.Int64Counter
	reconnects      metric.Int64Counter
	heartbeatMisses metric.Int64Counter
	controlEvents   metric.Int64Counter
	controlSent     metric.Int64Counter
	fills           metric.Int64Counter
	duplicates      metric.Int64Counter
	unknownFills    metric.Int64Counter
	ticks           metric.Int64Counter
	ticksDropped    metric.Int64Counter
	restRequests    metric.Int64Counter
	restLatency     metric.Float64Histogram
}

// NewMetrics creates instruments from the given provider, or the global one when nil.
func NewMetrics(provider metric.MeterProvider, venue string) *Metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	m := &Metrics{venue: venue}

	m.frames, _ = meter.Int64Counter("venuelink_frames_received",
		metric.WithDescription("Inbound websocket frames received"),
		metric.WithUnit("{frame}"))
	m.malformed, _ = meter.Int64Counter("venuelink_frames_malformed",
		metric.WithDescription("Inbound frames dropped because they could not be decoded"),
		metric.WithUnit("{frame}"))
	m.reconnects, _ = meter.Int64Counter("venuelink_reconnects",
		metric.WithDescription("Reconnect attempts by trigger and result"),
		metric.WithUnit("{reconnect}"))
	m.heartbeatMisses, _ = meter.Int64Counter("venuelink_heartbeat_timeouts",
		metric.WithDescription("Heartbeat timeouts detected by the supervisor"),
		metric.WithUnit("{timeout}"))
	m.controlEvents, _ = meter.Int64Counter("venuelink_control_events",
		metric.WithDescription("Venue control events by kind"),
		metric.WithUnit("{event}"))
	m.controlSent, _ = meter.Int64Counter("venuelink_control_messages",
		metric.WithDescription("Outbound control messages by kind"),
		metric.WithUnit("{message}"))
	m.fills, _ = meter.Int64Counter("venuelink_fill_events",
		metric.WithDescription("Order lifecycle events emitted by the reconciliation engine"),
		metric.WithUnit("{event}"))
	m.duplicates, _ = meter.Int64Counter("venuelink_fill_duplicates",
		metric.WithDescription("Execution reports dropped as duplicates"),
		metric.WithUnit("{execution}"))
	m.unknownFills, _ = meter.Int64Counter("venuelink_unknown_fills",
		metric.WithDescription("Unknown-order executions by outcome (buffered, replayed, evicted, expired)"),
		metric.WithUnit("{execution}"))
	m.ticks, _ = meter.Int64Counter("venuelink_ticks",
		metric.WithDescription("Ticks appended to the tick buffer"),
		metric.WithUnit("{tick}"))
	m.ticksDropped, _ = meter.Int64Counter("venuelink_ticks_dropped",
		metric.WithDescription("Ticks discarded by a bounded tick buffer"),
		metric.WithUnit("{tick}"))
	m.restRequests, _ = meter.Int64Counter("venuelink_rest_requests",
		metric.WithDescription("REST command requests by operation and result"),
		metric.WithUnit("{request}"))
	m.restLatency, _ = meter.Float64Histogram("venuelink_rest_latency",
		metric.WithDescription("REST command round-trip latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *Metrics) attrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	kv := make([]attribute.KeyValue, 0, len(extra)+1)
	kv = append(kv, attribute.String("venue", m.venue))
	kv = append(kv, extra...)
	return metric.WithAttributes(kv...)
}

func add(ctx context.Context, c metric.Int64Counter, n int64, opt metric.MeasurementOption) {
	if c == nil {
		return
	}
	c.Add(ctx, n, opt)
}

// Frame counts an inbound frame.
func (m *Metrics) Frame(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.frames, 1, m.attrs())
}

// Malformed counts a dropped frame.
func (m *Metrics) Malformed(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.malformed, 1, m.attrs())
}

// Reconnect counts a reconnect attempt.
func (m *Metrics) Reconnect(ctx context.Context, trigger, result string) {
	if m == nil {
		return
	}
	add(ctx, m.reconnects, 1, m.attrs(attribute.String("trigger", trigger), attribute.String("result", result)))
}

// HeartbeatTimeout counts a detected heartbeat gap.
func (m *Metrics) HeartbeatTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.heartbeatMisses, 1, m.attrs())
}

// Control counts a venue control event.
func (m *Metrics) Control(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	add(ctx, m.controlEvents, 1, m.attrs(attribute.String("kind", kind)))
}

// ControlSent counts an outbound control message.
func (m *Metrics) ControlSent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	add(ctx, m.controlSent, 1, m.attrs(attribute.String("kind", kind)))
}

// FillEvent counts an emitted lifecycle event.
func (m *Metrics) FillEvent(ctx context.Context, status string) {
	if m == nil {
		return
	}
	add(ctx, m.fills, 1, m.attrs(attribute.String("status", status)))
}

// DuplicateExecution counts a deduplicated execution report.
func (m *Metrics) DuplicateExecution(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.duplicates, 1, m.attrs())
}

// UnknownFill counts unknown-order executions by outcome.
func (m *Metrics) UnknownFill(ctx context.Context, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	add(ctx, m.unknownFills, int64(n), m.attrs(attribute.String("outcome", outcome)))
}

// Tick counts an appended tick.
func (m *Metrics) Tick(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	add(ctx, m.ticks, 1, m.attrs(attribute.String("kind", kind)))
}

// TicksDropped counts ticks discarded by the buffer.
func (m *Metrics) TicksDropped(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	add(ctx, m.ticksDropped, int64(n), m.attrs())
}

// REST records a REST command outcome and its latency in milliseconds.
func (m *Metrics) REST(ctx context.Context, op, result string, latencyMs float64) {
	if m == nil {
		return
	}
	opt := m.attrs(attribute.String("op", op), attribute.String("result", result))
	add(ctx, m.restRequests, 1, opt)
	if m.restLatency != nil {
		m.restLatency.Record(ctx, latencyMs, opt)
	}
}

// Package observe wires voxrelay into OpenTelemetry. Instruments live on
// [Metrics] and are exported for Prometheus by [InitProvider]; turns and HTTP
// requests are traced through the global tracer provider.
//
// Tests build their own [Metrics] from a manual reader with [NewMetrics];
// production code shares [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voxrelay"

// Metrics is the set of instruments recorded by sessions, providers and the
// HTTP surface. Attribute keys are listed next to each instrument.
type Metrics struct {
	StageDuration   metric.Float64Histogram // stage, status
	ResponseLatency metric.Float64Histogram // final transcript to first audio frame

	Turns              metric.Int64Counter // outcome, reason
	BargeIns           metric.Int64Counter
	StateTransitions   metric.Int64Counter // from, to
	ProviderRequests   metric.Int64Counter // provider, kind, status
	ProviderErrors     metric.Int64Counter // provider, kind
	BreakerTransitions metric.Int64Counter // breaker, to
	ProtocolViolations metric.Int64Counter // stage
	SessionsTerminated metric.Int64Counter // reason
	TokensIssued       metric.Int64Counter

	ActiveSessions    metric.Int64UpDownCounter
	SuspendedSessions metric.Int64UpDownCounter // waiting for a reconnect

	HTTPRequestDuration metric.Float64Histogram // method, path
}

// Seconds. Voice replies are judged in the 100ms to 2s range.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and collects their errors.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return g
}

func (in *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.errs = append(in.errs, err)
	return h
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		StageDuration:   in.seconds("voxrelay.stage.duration", "Time a stage handle stayed open, by stage and final status.", latencyBuckets...),
		ResponseLatency: in.seconds("voxrelay.response.latency", "Time from final transcript to first synthesised audio.", latencyBuckets...),

		Turns:              in.counter("voxrelay.turns", "Finished turns by outcome and abandon reason."),
		BargeIns:           in.counter("voxrelay.barge_ins", "Replies interrupted by the participant."),
		StateTransitions:   in.counter("voxrelay.session.transitions", "Session state transitions by source and target state."),
		ProviderRequests:   in.counter("voxrelay.provider.requests", "Provider requests by provider, kind and status."),
		ProviderErrors:     in.counter("voxrelay.provider.errors", "Provider errors by provider and kind."),
		BreakerTransitions: in.counter("voxrelay.provider.breaker.transitions", "Circuit breaker transitions by breaker and target state."),
		ProtocolViolations: in.counter("voxrelay.protocol_violations", "Stream contract violations by stage."),
		SessionsTerminated: in.counter("voxrelay.sessions.terminated", "Sessions ended by the coordinator, by reason."),
		TokensIssued:       in.counter("voxrelay.tokens.issued", "Room access tokens issued."),

		ActiveSessions:    in.gauge("voxrelay.active_sessions", "Live sessions."),
		SuspendedSessions: in.gauge("voxrelay.suspended_sessions", "Sessions waiting for a reconnect."),

		HTTPRequestDuration: in.seconds("voxrelay.http.request.duration", "HTTP request latency by method and route."),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the instruments of the global meter provider,
// created on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

func count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	count(ctx, m.ProviderRequests, attribute.String("provider", provider), attribute.String("kind", kind), attribute.String("status", status))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	count(ctx, m.ProviderErrors, attribute.String("provider", provider), attribute.String("kind", kind))
}

// RecordStage records how long a stage handle was open and how it ended.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

// RecordTurn counts a turn reaching a terminal stage. reason is empty for
// completed turns.
func (m *Metrics) RecordTurn(ctx context.Context, outcome, reason string) {
	count(ctx, m.Turns, attribute.String("outcome", outcome), attribute.String("reason", reason))
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	count(ctx, m.StateTransitions, attribute.String("from", from), attribute.String("to", to))
}

// RecordBreakerTransition counts a circuit breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	count(ctx, m.BreakerTransitions, attribute.String("breaker", breaker), attribute.String("to", to))
}

func (m *Metrics) RecordProtocolViolation(ctx context.Context, stage string) {
	count(ctx, m.ProtocolViolations, attribute.String("stage", stage))
}

func (m *Metrics) RecordSessionTerminated(ctx context.Context, reason string) {
	count(ctx, m.SessionsTerminated, attribute.String("reason", reason))
}

package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "relay.pipeline"

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	sessionCounter       metric.Int64Counter
	sessionActive        metric.Int64UpDownCounter
	sessionDuration      metric.Float64Histogram
	muxGroupCounter      metric.Int64Counter
	muxGroupsActive      metric.Int64UpDownCounter
	connectCounter       metric.Int64Counter
	connectRetryCounter  metric.Int64Counter
	throttleDelayCounter metric.Int64Counter
	filterErrorCounter   metric.Int64Counter
)

// SessionPhase marks a session lifecycle transition.
type SessionPhase string

const (
	SessionStarted SessionPhase = "started"
	SessionEnded   SessionPhase = "ended"
)

// SessionMetrics captures the fields recorded for a session transition.
type SessionMetrics struct {
	Entry    string
	Source   string
	Phase    SessionPhase
	Duration time.Duration
	Failed   bool
}

// RecordSession counts a session start or end. Ended sessions also record
// their lifetime.
func RecordSession(ctx context.Context, m SessionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("pipeline.entry", m.Entry),
		attribute.String("session.source", m.Source),
		attribute.String("session.phase", string(m.Phase)),
		attribute.Bool("session.failed", m.Failed),
	)
	sessionCounter.Add(ctx, 1, attrs)

	active := metric.WithAttributes(attribute.String("pipeline.entry", m.Entry))
	switch m.Phase {
	case SessionStarted:
		sessionActive.Add(ctx, 1, active)
	case SessionEnded:
		sessionActive.Add(ctx, -1, active)
		if m.Duration > 0 {
			sessionDuration.Record(ctx, float64(m.Duration)/float64(time.Millisecond), active)
		}
	}
}

// MuxGroupChange names a transition of a shared sub-pipeline group.
type MuxGroupChange string

const (
	MuxGroupCreated         MuxGroupChange = "created"
	MuxGroupConstructed     MuxGroupChange = "constructed"
	MuxGroupConstructFailed MuxGroupChange = "construct_failed"
	MuxGroupReused          MuxGroupChange = "reused"
	MuxGroupTornDown        MuxGroupChange = "torn_down"
)

// RecordMuxGroup counts a group transition and tracks the number of live
// groups per layout.
func RecordMuxGroup(ctx context.Context, layout string, change MuxGroupChange) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("pipeline.layout", layout)}
	muxGroupCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("mux.change", string(change)))...))
	switch change {
	case MuxGroupCreated:
		muxGroupsActive.Add(ctx, 1, metric.WithAttributes(attrs...))
	case MuxGroupTornDown:
		muxGroupsActive.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
}

// ConnectOutcome classifies one upstream connection attempt.
type ConnectOutcome string

const (
	ConnectSucceeded   ConnectOutcome = "connected"
	ConnectFailed      ConnectOutcome = "failed"
	ConnectTimedOut    ConnectOutcome = "timeout"
	ConnectCircuitOpen ConnectOutcome = "circuit_open"
)

// RecordConnect counts an upstream connection outcome and its retries.
func RecordConnect(ctx context.Context, target string, outcome ConnectOutcome, retries int) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("upstream.target", target),
		attribute.String("connect.outcome", string(outcome)),
	)
	connectCounter.Add(ctx, 1, attrs)
	if retries > 0 {
		connectRetryCounter.Add(ctx, int64(retries), attrs)
	}
}

// RecordThrottled counts an event held back by a throttle filter.
func RecordThrottled(ctx context.Context, kind, account string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	throttleDelayCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("filter.kind", kind),
		attribute.String("throttle.account", account),
	))
}

// RecordFilterError counts an error returned by a filter.
func RecordFilterError(ctx context.Context, layout, kind string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	filterErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.layout", layout),
		attribute.String("filter.kind", kind),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		sessionCounter, metricsInitErr = meter.Int64Counter(
			"relay.sessions_total",
			metric.WithDescription("Session lifecycle transitions"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sessionActive, metricsInitErr = meter.Int64UpDownCounter(
			"relay.sessions_active",
			metric.WithDescription("Sessions currently running"),
			metric.WithUnit("{session}"),
		)
		if metricsInitErr != nil {
			return
		}

		sessionDuration, metricsInitErr = meter.Float64Histogram(
			"relay.session.duration_ms",
			metric.WithDescription("Session lifetime"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		muxGroupCounter, metricsInitErr = meter.Int64Counter(
			"relay.mux.group_changes_total",
			metric.WithDescription("Shared sub-pipeline group transitions"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		muxGroupsActive, metricsInitErr = meter.Int64UpDownCounter(
			"relay.mux.groups_active",
			metric.WithDescription("Shared sub-pipeline groups alive"),
			metric.WithUnit("{group}"),
		)
		if metricsInitErr != nil {
			return
		}

		connectCounter, metricsInitErr = meter.Int64Counter(
			"relay.connect.attempts_total",
			metric.WithDescription("Upstream connection outcomes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		connectRetryCounter, metricsInitErr = meter.Int64Counter(
			"relay.connect.retries_total",
			metric.WithDescription("Retries performed while connecting upstream"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		throttleDelayCounter, metricsInitErr = meter.Int64Counter(
			"relay.throttle.delayed_total",
			metric.WithDescription("Events delayed by throttle filters"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		filterErrorCounter, metricsInitErr = meter.Int64Counter(
			"relay.filter.errors_total",
			metric.WithDescription("Errors returned by filters"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordStreamEnd annotates span with the reason a stream ended.
func RecordStreamEnd(span trace.Span, reason string, err error) {
	if span == nil || !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("stream.end_reason", reason)}
	if err != nil {
		attrs = append(attrs, attribute.String("stream.error", err.Error()))
	}
	span.AddEvent("stream.end", trace.WithAttributes(attrs...))
}

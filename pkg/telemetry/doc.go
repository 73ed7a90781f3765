// Package telemetry wires OpenTelemetry exporters and meters for the relay.
//
// It sets up the process-wide tracer provider, owns the metric instruments
// recorded by sessions, mux groups, upstream connections and throttles, and
// offers helpers that annotate spans with stream and message metadata.
package telemetry

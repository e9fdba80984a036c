// Package telemetry wires OpenTelemetry tracing and metrics plus a
// Prometheus registry for plan validation.
//
// It centralises trace provider setup and offers helpers that annotate
// spans with validation outcomes so operators can correlate a verdict with
// the evaluator that produced it.
package telemetry

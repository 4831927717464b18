// Package otel provides an OpenTelemetry observer for serial queues.
// It records queue lifecycle steps (queued, started, finished, skipped,
// rejected) as events on the span carried by each call's context.
package otel

// Package observability provides an OpenTelemetry-based lifecycle
// extension. MetricsExtension implements the ext hooks to record
// system-wide counters for job submission, start, completion, failure,
// retry, and cancellation, plus per-step completion and failure counts.
//
// For per-execution latency histograms and tracing, see the middleware
// package: middleware.Metrics() and middleware.Tracing().
package observability

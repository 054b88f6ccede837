// Package observability provides the shared logging, metrics, and tracing
// plumbing for the host.
//
// Logging is built on log/slog with a redaction layer that masks API keys,
// tokens, and passwords before records reach the output. Metrics are
// Prometheus instruments under the maestro_* namespace. Tracing is
// OpenTelemetry over OTLP/gRPC, disabled (no-op spans) when no collector
// endpoint is configured.
package observability

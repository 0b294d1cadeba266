// Package observability provides structured logging and distributed tracing
// for the sandbox orchestrator.
//
// # Overview
//
// The package covers two of the three classic observability pillars:
//
//  1. Logging - Structured logs with sensitive data redaction
//  2. Tracing - Distributed request tracing with OpenTelemetry
//
// Prometheus metrics live in internal/astra/metrics instead, since that
// package's counters and histograms are named and labeled for the sandbox
// domain (session lifecycle, tool execution, HTTP routes) rather than this
// package's ambient concerns.
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID / session ID / user ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	logger.Info(ctx, "provisioning sandbox",
//	    "session_id", sessionID,
//	    "backend", backend,
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track a session's provision,
// execute, and snapshot operations:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "astraforge-sandbox-core",
//	    ServiceVersion: version,
//	    Environment:    env,
//	    Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
// # Context Propagation
//
// Both components integrate with Go's context for automatic correlation:
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, "sess-456")
//	ctx = observability.AddUserID(ctx, "user-789")
//
//	logger.Info(ctx, "handling request") // includes request_id, session_id, user_id
//
// # Security Considerations
//
// The logging component automatically redacts API keys, passwords, secrets,
// JWTs, and bearer tokens, plus map fields named password/secret/api_key/
// token/auth/private_key (and their common variants).
package observability

// Package telemetry provides observability primitives for the fabrikit
// task-resolution fabric using OpenTelemetry standards: process-wide OTEL
// bootstrap, resolver-scoped spans and metrics, and HTTP correlation ID
// propagation.
//
// # Core Components
//
// Traces:
//   - A span per resolver invocation (direct resolve or Mastery step)
//   - Context propagation across the Composer/Executor call chain
//   - W3C Trace Context headers for the Monitoring HTTP API
//
// Metrics:
//   - Resolver execution counters and duration histograms
//   - Layered underneath the domain-level Metrics Store (C9): this package
//     is the fabric observing itself, the Metrics Store is a separate,
//     queryable, retained system fed independently
//
// Correlation:
//   - A request ID is read from or generated for every inbound HTTP
//     request and attached to the current span and the request context,
//     so logs and traces for one request can be joined
//
// # AutoOTEL
//
// NewAutoOTEL builds a ready-to-use AutoOTEL from a service name and
// instance ID (no further configuration required for the common case):
// OTLP export is picked up automatically from OTEL_EXPORTER_OTLP_ENDPOINT,
// falling back to a local SDK trace provider with no exporter when unset.
//
//	otelHandle, err := telemetry.NewAutoOTEL(cfg.Telemetry.ServiceName, "fabricd", nil)
//	defer otelHandle.Shutdown(ctx)
//
//	ctx, span := otelHandle.CreateResolverSpan(ctx, telemetry.ResolverSpanMetadata{
//	    Name: "pricing-resolver", Capability: "compute_price", Version: "1.2.0",
//	})
//	defer span.End()
//
// # Configuration
//
// Controlled through environment variables:
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (e.g., localhost:4317)
//   - OTEL_SERVICE_NAME: service name used when none is configured
//   - OTEL_SDK_DISABLED: set "true" to force a no-op tracer/meter
//   - OTEL_TRACES_SAMPLER / OTEL_TRACES_SAMPLER_ARG: ratio-based sampling
//   - DEPLOYMENT_ENVIRONMENT: resource attribute for the deployment tier
package telemetry

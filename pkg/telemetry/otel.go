package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// ResolverSpanMetadata identifies the resolver invocation a span or metric
// set belongs to: the fabric's unit of instrumentation, replacing the
// generic "capability" framing with the Task/Resolver/Mastery vocabulary
// the rest of the module uses.
type ResolverSpanMetadata struct {
	Name       string
	Capability string
	Version    string
	Mastery    string // non-empty when the step runs as part of a Mastery plan
}

// OTELImpl provides zero-configuration OpenTelemetry integration
type OTELImpl struct {
	TraceProvider *sdktrace.TracerProvider
	MeterProvider metric.MeterProvider
	Tracer        trace.Tracer
	Meter         metric.Meter
	serviceName   string
	instanceID    string
	resource      *resource.Resource
}

// NewAutoOTEL creates a new auto-configured OTEL instance. instanceID
// identifies this fabricd process (e.g. a hostname or pod name); it has no
// bearing on resolver identity, which is attached per-span via
// ResolverSpanMetadata instead.
func NewAutoOTEL(serviceName, instanceID string, _ []string) (AutoOTEL, error) {
	// Check if OTEL is disabled
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		return &OTELImpl{
			Tracer: otel.Tracer("noop"),
			Meter:  otel.Meter("noop"),
		}, nil
	}

	// Auto-detect service name
	if serviceName == "" {
		serviceName = os.Getenv("OTEL_SERVICE_NAME")
		if serviceName == "" {
			serviceName = instanceID
		}
	}

	// Create resource with rich context
	res, err := createResourceWithAttributes(serviceName, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTEL resource: %w", err)
	}

	// Set up trace provider
	traceProvider, err := setupTraceProvider(res)
	if err != nil {
		return nil, fmt.Errorf("failed to setup trace provider: %w", err)
	}

	// Set up meter provider
	meterProvider, err := setupMeterProvider(res)
	if err != nil {
		return nil, fmt.Errorf("failed to setup meter provider: %w", err)
	}

	// Set global providers
	otel.SetTracerProvider(traceProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	autoOTEL := &OTELImpl{
		TraceProvider: traceProvider,
		MeterProvider: meterProvider,
		Tracer:        traceProvider.Tracer("fabrikit-fabric"),
		Meter:         meterProvider.Meter("fabrikit-fabric"),
		serviceName:   serviceName,
		instanceID:    instanceID,
		resource:      res,
	}

	return autoOTEL, nil
}

// createResourceWithAttributes creates an OTEL resource with fabrikit
// fabric attributes.
func createResourceWithAttributes(serviceName, instanceID string) (*resource.Resource, error) {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(getServiceVersion()),
		semconv.DeploymentEnvironmentKey.String(getEnvironment()),

		// fabrikit fabric attributes
		attribute.String("fabrikit.instance.id", instanceID),
		attribute.String("fabrikit.fabric", "fabrikit-go"),
		attribute.String("fabrikit.registry.backend", "redis"),

		// Kubernetes attributes (if running in K8s)
		semconv.K8SNamespaceNameKey.String(os.Getenv("KUBERNETES_NAMESPACE")),
		semconv.K8SPodNameKey.String(os.Getenv("HOSTNAME")),
		attribute.String("k8s.pod.ip", os.Getenv("POD_IP")),
	), nil
}

// setupTraceProvider configures the trace provider based on environment
func setupTraceProvider(res *resource.Resource) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// Check for OTLP endpoint
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		// No OTEL endpoint - use noop provider
		return sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
		), nil
	}

	// Set up OTLP exporter
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TODO: Make configurable
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Configure sampling
	sampler := sdktrace.AlwaysSample()
	samplerArg := os.Getenv("OTEL_TRACES_SAMPLER_ARG")
	if samplerArg != "" && os.Getenv("OTEL_TRACES_SAMPLER") == "traceidratio" {
		// Parse sampling ratio
		if ratio, err := parseFloat64(samplerArg); err == nil {
			sampler = sdktrace.TraceIDRatioBased(ratio)
		}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	return provider, nil
}

// setupMeterProvider configures the meter provider
func setupMeterProvider(res *resource.Resource) (metric.MeterProvider, error) {
	// For now, return the global meter provider
	// TODO: Add Prometheus exporter configuration
	return otel.GetMeterProvider(), nil
}

// getServiceVersion gets the service version from environment or default
func getServiceVersion() string {
	if version := os.Getenv("OTEL_SERVICE_VERSION"); version != "" {
		return version
	}
	return "1.0.0" // Default version
}

// getEnvironment gets the deployment environment
func getEnvironment() string {
	if env := os.Getenv("DEPLOYMENT_ENVIRONMENT"); env != "" {
		return env
	}
	if env := os.Getenv("OTEL_RESOURCE_ATTRIBUTES"); env != "" {
		// Any OTEL_RESOURCE_ATTRIBUTES value yields "production"; the
		// attributes themselves are not parsed.
		return "production"
	}
	return "development"
}

// parseFloat64 safely parses a float64 from string
func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// CreateResolverSpan starts a span covering one resolver invocation (a
// Mastery step, or a direct resolve), tagged with the resolver identity so
// traces can be filtered the same way component-scoped logs are.
func (a *OTELImpl) CreateResolverSpan(ctx context.Context, meta ResolverSpanMetadata) (context.Context, trace.Span) {
	spanName := fmt.Sprintf("resolver.%s", meta.Name)
	ctx, span := a.Tracer.Start(ctx, spanName)

	span.SetAttributes(
		attribute.String("fabrikit.resolver.name", meta.Name),
		attribute.String("fabrikit.resolver.capability", meta.Capability),
		attribute.String("fabrikit.resolver.version", meta.Version),
		attribute.String("fabrikit.mastery.name", meta.Mastery),
		attribute.String("fabrikit.instance.id", a.instanceID),
	)

	return ctx, span
}

// RecordResolverMetrics records an execution counter and duration histogram
// for one resolver invocation, independent of the domain-level Metrics
// Store (C9): this is the fabric observing itself via OTel, the Metrics
// Store is the fabric's own queryable, retained telemetry.
func (a *OTELImpl) RecordResolverMetrics(ctx context.Context, meta ResolverSpanMetadata, duration time.Duration, err error) {
	if counter, counterErr := a.Meter.Int64Counter(
		"fabrikit_resolver_executions_total",
		metric.WithDescription("Total resolver executions"),
	); counterErr == nil {
		labels := []attribute.KeyValue{
			attribute.String("resolver", meta.Name),
			attribute.String("capability", meta.Capability),
		}
		if err != nil {
			labels = append(labels, attribute.String("status", "error"))
		} else {
			labels = append(labels, attribute.String("status", "success"))
		}
		counter.Add(ctx, 1, metric.WithAttributes(labels...))
	}

	if histogram, histErr := a.Meter.Float64Histogram(
		"fabrikit_resolver_duration_seconds",
		metric.WithDescription("Resolver execution duration"),
	); histErr == nil {
		histogram.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("resolver", meta.Name),
				attribute.String("capability", meta.Capability),
			))
	}
}

// Shutdown gracefully shuts down the OTEL providers
func (a *OTELImpl) Shutdown(ctx context.Context) error {
	if a.TraceProvider != nil {
		return a.TraceProvider.Shutdown(ctx)
	}
	return nil
}

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AutoOTEL interface defines telemetry functionality
type AutoOTEL interface {
	CreateResolverSpan(ctx context.Context, meta ResolverSpanMetadata) (context.Context, trace.Span)
	RecordResolverMetrics(ctx context.Context, meta ResolverSpanMetadata, duration time.Duration, err error)
	Shutdown(ctx context.Context) error
}

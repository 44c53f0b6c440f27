package telemetry

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestNewAutoOTELNoopWhenDisabled(t *testing.T) {
	os.Setenv("OTEL_SDK_DISABLED", "true")
	defer os.Unsetenv("OTEL_SDK_DISABLED")

	h, err := NewAutoOTEL("fabricd-test", "instance-1", nil)
	if err != nil {
		t.Fatalf("new auto otel: %v", err)
	}
	if h == nil {
		t.Fatal("expected a non-nil AutoOTEL handle")
	}
	if err := h.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestNewAutoOTELWithoutEndpointUsesLocalTracerProvider(t *testing.T) {
	os.Unsetenv("OTEL_SDK_DISABLED")
	os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	h, err := NewAutoOTEL("fabricd-test", "instance-1", nil)
	if err != nil {
		t.Fatalf("new auto otel: %v", err)
	}
	defer h.Shutdown(context.Background())

	ctx, span := h.CreateResolverSpan(context.Background(), ResolverSpanMetadata{
		Name:       "summarize",
		Capability: "summarize",
		Version:    "1.0.0",
		Mastery:    "step-1",
	})
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
	if span == nil {
		t.Fatal("expected a non-nil span")
	}
	span.End()

	h.RecordResolverMetrics(context.Background(), ResolverSpanMetadata{Name: "summarize", Capability: "summarize"}, 10*time.Millisecond, nil)
	h.RecordResolverMetrics(context.Background(), ResolverSpanMetadata{Name: "summarize", Capability: "summarize"}, 10*time.Millisecond, errors.New("boom"))
}

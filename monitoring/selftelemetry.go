// Package monitoring implements the fabric's Monitoring subsystem: the
// Metrics Store (C9), Alert Manager (C10), Dashboard/Chart Generator (C11)
// and the HTTP API (C12) binding them to the outside.
//
// This file provides the subsystem's own ambient self-telemetry: OTel
// counters/histograms/gauges. The resilience package emits through them on
// retry attempts and circuit-breaker events, and the Store counts its
// dropped samples here. This is distinct from, and layered underneath, the domain-level Metrics Store
// that records application-visible samples.
package monitoring

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Well-known self-telemetry metric names emitted by the resilience package.
const (
	MetricCircuitBreakerSuccess  = "circuit_breaker.calls"
	MetricCircuitBreakerFailure = "circuit_breaker.failures"
	MetricCircuitBreakerRejected = "circuit_breaker.rejected"
)

// MetricDefinition documents one metric a module intends to emit. Declaring
// metrics up front (before any call site fires) lets a dashboard enumerate
// every series a module can produce, even ones that haven't fired yet.
type MetricDefinition struct {
	Name    string
	Type    string // "counter" | "histogram" | "gauge"
	Help    string
	Labels  []string
	Unit    string
	Buckets []float64
}

// ModuleConfig is the set of metrics a module declares at init time.
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// registry is the process-wide catalog of declared metrics and the lazily
// created OTel instruments backing them.
type registry struct {
	mu          sync.Mutex
	declared    map[string]ModuleConfig
	counters    map[string]metric.Int64Counter
	histograms  map[string]metric.Float64Histogram
	gaugeValues map[string]float64
	meter       metric.Meter
}

var global = &registry{
	declared:    make(map[string]ModuleConfig),
	counters:    make(map[string]metric.Int64Counter),
	histograms:  make(map[string]metric.Float64Histogram),
	gaugeValues: make(map[string]float64),
	meter:       otel.Meter("fabrikit/selftelemetry"),
}

// GetRegistry returns the process-wide self-telemetry registry, or nil if
// nothing has ever been declared against it. Callers use this only to
// detect whether self-telemetry is active; the registry is otherwise
// accessed through the package-level Counter/Gauge/Histogram/Emit helpers.
func GetRegistry() *registry {
	global.mu.Lock()
	defer global.mu.Unlock()
	if len(global.declared) == 0 {
		return nil
	}
	return global
}

// DeclareMetrics registers a module's metric definitions. Safe to call from
// package init(). Declaring twice for the same module name overwrites the
// prior declaration.
func DeclareMetrics(module string, cfg ModuleConfig) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.declared[module] = cfg
}

func labelsToAttrs(labelPairs []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labelPairs)/2)
	for i := 0; i+1 < len(labelPairs); i += 2 {
		attrs = append(attrs, attribute.String(labelPairs[i], labelPairs[i+1]))
	}
	return attrs
}

func (r *registry) counter(name string) metric.Int64Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c, _ := r.meter.Int64Counter(name)
	r.counters[name] = c
	return c
}

func (r *registry) histogram(name string) metric.Float64Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h, _ := r.meter.Float64Histogram(name)
	r.histograms[name] = h
	return h
}

// Counter increments a named counter by 1, tagged with labelPairs
// (name, value, name, value, ...).
func Counter(name string, labelPairs ...string) {
	global.counter(name).Add(context.Background(), 1, metric.WithAttributes(labelsToAttrs(labelPairs)...))
}

// Gauge records a point-in-time value for a named gauge. Backed by a
// histogram instrument since OTel gauges are callback-based, so each call
// records one histogram observation. The value is also stored in
// gaugeValues, which nothing reads back.
func Gauge(name string, value float64, labelPairs ...string) {
	global.mu.Lock()
	global.gaugeValues[name] = value
	global.mu.Unlock()
	global.histogram(name).Record(context.Background(), value, metric.WithAttributes(labelsToAttrs(labelPairs)...))
}

// Histogram records a value into a named histogram.
func Histogram(name string, value float64, labelPairs ...string) {
	global.histogram(name).Record(context.Background(), value, metric.WithAttributes(labelsToAttrs(labelPairs)...))
}

// Emit is an alias for Counter with an explicit increment amount.
func Emit(name string, amount int64, labelPairs ...string) {
	global.counter(name).Add(context.Background(), amount, metric.WithAttributes(labelsToAttrs(labelPairs)...))
}

// MetricInstruments is a per-component bundle of OTel instruments, used by
// collaborators that want typed Record* methods instead of the package-level
// helpers above.
type MetricInstruments struct {
	serviceName string
	meter       metric.Meter
}

// NewMetricInstruments creates an instrument bundle scoped to serviceName.
func NewMetricInstruments(serviceName string) *MetricInstruments {
	return &MetricInstruments{
		serviceName: serviceName,
		meter:       otel.Meter(serviceName),
	}
}

// RecordCounter increments name by delta with the given options.
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, delta int64, opts ...metric.AddOption) error {
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return err
	}
	c.Add(ctx, delta, opts...)
	return nil
}

// RecordHistogram records value into the named histogram.
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return err
	}
	h.Record(ctx, value, opts...)
	return nil
}

// RegisterGauge registers an asynchronous float64 observable gauge with a
// callback invoked whenever the meter provider collects.
func (m *MetricInstruments) RegisterGauge(name string, callback metric.Float64Callback, opts ...metric.Float64ObservableGaugeOption) error {
	_, err := m.meter.Float64ObservableGauge(name, append(opts, metric.WithFloat64Callback(callback))...)
	return err
}

// Shutdown is a no-op; the meter provider's lifecycle is owned by whatever
// wired the global OTel SDK (see cmd/fabricd).
func (m *MetricInstruments) Shutdown() error {
	return nil
}

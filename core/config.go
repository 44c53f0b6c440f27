package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every configuration option for a fabric process. It supports
// three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithDataDir("/var/lib/fabrikit"),
//	    WithHTTPBind(":9090"),
//	)
type Config struct {
	DataDir string `json:"data_dir" env:"FABRIC_DATA_DIR" default:"./data"`

	HTTP HTTPConfig `json:"http"`

	Collection CollectionConfig `json:"collection"`

	Metrics MetricsConfig `json:"metrics"`

	History HistoryConfig `json:"history"`

	Resilience ResilienceConfig `json:"resilience"`

	Evolver EvolverConfig `json:"evolver"`

	Discovery DiscoveryConfig `json:"discovery"`

	Telemetry TelemetryConfig `json:"telemetry"`

	Logging LoggingConfig `json:"logging"`

	Development DevelopmentConfig `json:"development"`

	logger Logger `json:"-"`
}

// HTTPConfig configures the monitoring API's HTTP server.
type HTTPConfig struct {
	Bind              string        `json:"bind" env:"FABRIC_HTTP_BIND" default:":8080"`
	ReadTimeout       time.Duration `json:"read_timeout" env:"FABRIC_HTTP_READ_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"FABRIC_HTTP_READ_HEADER_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"FABRIC_HTTP_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"FABRIC_HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"FABRIC_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	CORS              CORSConfig    `json:"cors"`
}

// CORSConfig controls cross-origin access to the monitoring API.
type CORSConfig struct {
	Enabled          bool     `json:"enabled" env:"FABRIC_CORS_ENABLED" default:"false"`
	AllowedOrigins   []string `json:"allowed_origins" env:"FABRIC_CORS_ORIGINS"`
	AllowedMethods   []string `json:"allowed_methods" env:"FABRIC_CORS_METHODS" default:"GET,POST,OPTIONS"`
	AllowedHeaders   []string `json:"allowed_headers" env:"FABRIC_CORS_HEADERS" default:"Content-Type,Authorization"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials" env:"FABRIC_CORS_CREDENTIALS" default:"false"`
	MaxAge           int      `json:"max_age" env:"FABRIC_CORS_MAX_AGE" default:"86400"`
}

// CollectionConfig controls how often system/health samples are collected.
type CollectionConfig struct {
	IntervalSec       int `json:"collection_interval_sec" env:"FABRIC_COLLECTION_INTERVAL_SEC" default:"30"`
	HealthIntervalSec int `json:"health_interval_sec" env:"FABRIC_HEALTH_INTERVAL_SEC" default:"15"`
}

// MetricsConfig controls the metrics store's retention and backpressure.
type MetricsConfig struct {
	RetentionDays   int `json:"retention_days" env:"FABRIC_METRICS_RETENTION_DAYS" default:"30"`
	QueueHighWater  int `json:"queue_high_water" env:"FABRIC_METRICS_QUEUE_HIGH_WATER" default:"10000"`
}

// HistoryConfig bounds the executor's in-memory execution history ring.
type HistoryConfig struct {
	RingSize int `json:"ring_size" env:"FABRIC_HISTORY_RING_SIZE" default:"500"`
}

// ResilienceConfig contains fault-tolerance pattern configuration.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryPolicyConfig    `json:"retry"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" env:"FABRIC_CB_ENABLED" default:"true"`
	Threshold        int           `json:"threshold" env:"FABRIC_CB_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"FABRIC_CB_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" env:"FABRIC_CB_HALF_OPEN" default:"3"`
}

// RetryPolicyConfig is the default retry policy new resolver calls inherit
// unless a call site supplies its own resilience.RetryPolicy.
type RetryPolicyConfig struct {
	MaxAttempts   int           `json:"max_attempts" env:"FABRIC_RETRY_MAX_ATTEMPTS" default:"3"`
	Strategy      string        `json:"strategy" env:"FABRIC_RETRY_STRATEGY" default:"exponential"`
	BaseDelay     time.Duration `json:"base_delay" env:"FABRIC_RETRY_BASE_DELAY" default:"250ms"`
	MaxDelay      time.Duration `json:"max_delay" env:"FABRIC_RETRY_MAX_DELAY" default:"30s"`
	JitterFactor  float64       `json:"jitter_factor" env:"FABRIC_RETRY_JITTER_FACTOR" default:"0.2"`
}

// EvolverConfig holds the evolution control loop's settings. The evolver
// package does not read ThresholdFailures or MinIntervalSec: it takes the
// failure threshold and minimum interval from each resolver's metadata.
type EvolverConfig struct {
	WindowSize        int           `json:"window_size" env:"FABRIC_EVOLVER_WINDOW_SIZE" default:"50"`
	ThresholdFailures int           `json:"threshold_failures" env:"FABRIC_EVOLVER_THRESHOLD_FAILURES" default:"5"`
	MinIntervalSec    int           `json:"min_interval_sec" env:"FABRIC_EVOLVER_MIN_INTERVAL_SEC" default:"300"`
	TickInterval      time.Duration `json:"tick_interval" env:"FABRIC_EVOLVER_TICK_INTERVAL" default:"10s"`
}

// DiscoveryConfig configures the optional Redis cache/lock layer beneath the
// filesystem-backed registries and evolver locks.
type DiscoveryConfig struct {
	Enabled  bool   `json:"enabled" env:"FABRIC_REDIS_ENABLED" default:"false"`
	RedisURL string `json:"redis_url" env:"FABRIC_REDIS_URL,REDIS_URL"`
}

// TelemetryConfig contains observability configuration for the fabric's own
// self-telemetry (OpenTelemetry), layered beneath the domain-level Metrics
// Store.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" env:"FABRIC_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" env:"FABRIC_OTEL_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" env:"FABRIC_OTEL_SERVICE_NAME,OTEL_SERVICE_NAME" default:"fabrikit"`
	MetricsEnabled bool    `json:"metrics_enabled" env:"FABRIC_OTEL_METRICS" default:"true"`
	TracingEnabled bool    `json:"tracing_enabled" env:"FABRIC_OTEL_TRACING" default:"true"`
	SamplingRate   float64 `json:"sampling_rate" env:"FABRIC_OTEL_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" env:"FABRIC_OTEL_INSECURE" default:"true"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" env:"FABRIC_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"FABRIC_LOG_FORMAT" default:"json"`
	Output     string `json:"output" env:"FABRIC_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" env:"FABRIC_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.999999999Z07:00"`
}

// DevelopmentConfig contains settings for local development and testing.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"FABRIC_DEV_MODE" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" env:"FABRIC_PRETTY_LOGS" default:"false"`
	DebugLogging bool `json:"debug_logging" env:"FABRIC_DEBUG" default:"false"`
}

// Option is a functional option for configuring a fabric process. Options
// run after environment loading and can return an error if invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		HTTP: HTTPConfig{
			Bind:              ":8080",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CORS: CORSConfig{
				AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders:   []string{"Content-Type", "Authorization"},
				AllowCredentials: false,
				MaxAge:           86400,
			},
		},
		Collection: CollectionConfig{
			IntervalSec:       30,
			HealthIntervalSec: 15,
		},
		Metrics: MetricsConfig{
			RetentionDays:  30,
			QueueHighWater: 10000,
		},
		History: HistoryConfig{
			RingSize: 500,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				Threshold:        5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryPolicyConfig{
				MaxAttempts:  3,
				Strategy:     "exponential",
				BaseDelay:    250 * time.Millisecond,
				MaxDelay:     30 * time.Second,
				JitterFactor: 0.2,
			},
		},
		Evolver: EvolverConfig{
			WindowSize:        50,
			ThresholdFailures: 5,
			MinIntervalSec:    300,
			TickInterval:      10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled: false,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "fabrikit",
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
		Development: DevelopmentConfig{},
	}
}

// LoadFromEnv loads configuration from environment variables. Environment
// variables take precedence over defaults but are overridden by functional
// options. Only the variables read below are consulted; the env tags on the
// other Config fields are not read.
func (c *Config) LoadFromEnv() error {
	if v := firstEnv("FABRIC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := firstEnv("FABRIC_HTTP_BIND"); v != "" {
		c.HTTP.Bind = v
	}
	if v := firstEnv("FABRIC_REDIS_URL", "REDIS_URL"); v != "" {
		c.Discovery.RedisURL = v
		c.Discovery.Enabled = true
	}
	if v := firstEnv("FABRIC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := firstEnv("FABRIC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := firstEnv("FABRIC_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := firstEnv("FABRIC_CORS_ORIGINS"); v != "" {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = parseStringList(v)
	}
	if v := firstEnv("FABRIC_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
	}
	if v := firstEnv("FABRIC_EVOLVER_THRESHOLD_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Evolver.ThresholdFailures = n
		}
	}
	if v := firstEnv("FABRIC_EVOLVER_MIN_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Evolver.MinIntervalSec = n
		}
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Validate checks the configuration for inconsistencies that DefaultConfig
// and LoadFromEnv cannot catch on their own.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return NewFrameworkError("Config.Validate", "config", ErrMissingConfiguration)
	}
	if c.Resilience.Retry.MaxAttempts < 1 {
		return NewFrameworkError("Config.Validate", "config", fmt.Errorf("retry.max_attempts must be >= 1: %w", ErrInvalidConfiguration))
	}
	if c.Evolver.ThresholdFailures < 1 {
		return NewFrameworkError("Config.Validate", "config", fmt.Errorf("evolver.threshold_failures must be >= 1: %w", ErrInvalidConfiguration))
	}
	if c.Discovery.Enabled && c.Discovery.RedisURL == "" {
		return NewFrameworkError("Config.Validate", "config", fmt.Errorf("discovery.redis_url required when discovery.enabled: %w", ErrInvalidConfiguration))
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Functional options
// ═══════════════════════════════════════════════════════════════════════════

// WithDataDir overrides the on-disk data directory.
func WithDataDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return fmt.Errorf("data dir cannot be empty")
		}
		c.DataDir = dir
		return nil
	}
}

// WithHTTPBind overrides the monitoring API's listen address.
func WithHTTPBind(addr string) Option {
	return func(c *Config) error {
		c.HTTP.Bind = addr
		return nil
	}
}

// WithCORS enables CORS with the given allowed origins.
func WithCORS(origins []string, credentials bool) Option {
	return func(c *Config) error {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = origins
		c.HTTP.CORS.AllowCredentials = credentials
		return nil
	}
}

// WithRedisCache enables the optional Redis cache/lock layer.
func WithRedisCache(redisURL string) Option {
	return func(c *Config) error {
		if redisURL == "" {
			return fmt.Errorf("redis URL cannot be empty")
		}
		c.Discovery.Enabled = true
		c.Discovery.RedisURL = redisURL
		return nil
	}
}

// WithTelemetry enables OpenTelemetry export to the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithEvolverThreshold sets Evolver.ThresholdFailures and
// Evolver.MinIntervalSec. The Evolver does not read these fields; each
// resolver's metadata supplies its own threshold and minimum interval.
func WithEvolverThreshold(failures int, minInterval time.Duration) Option {
	return func(c *Config) error {
		if failures < 1 {
			return fmt.Errorf("failures must be >= 1")
		}
		c.Evolver.ThresholdFailures = failures
		c.Evolver.MinIntervalSec = int(minInterval.Seconds())
		return nil
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Config) error {
		if maxAttempts < 1 {
			return fmt.Errorf("maxAttempts must be >= 1")
		}
		c.Resilience.Retry.MaxAttempts = maxAttempts
		c.Resilience.Retry.BaseDelay = baseDelay
		return nil
	}
}

// WithLogLevel overrides the logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithDevelopmentMode toggles development-friendly defaults.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
		return nil
	}
}

// WithLogger overrides the logger used for configuration-time diagnostics
// and becomes the Config's default Logger().
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig assembles a Config from defaults, environment variables, and
// functional options, in that order of increasing precedence.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Development, cfg.Telemetry.ServiceName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the configuration's resolved Logger.
func (c *Config) Logger() Logger {
	return c.logger
}

// ═══════════════════════════════════════════════════════════════════════════
// ProductionLogger
// ═══════════════════════════════════════════════════════════════════════════

// ProductionLogger is the default ComponentAwareLogger implementation: it
// writes structured (JSON or text) log lines to an io.Writer and, once a
// MetricsRegistry has been registered by the telemetry package, emits a
// framework metric alongside every Warn/Error log line.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	p := &ProductionLogger{
		level:       logging.Level,
		debug:       dev.DebugLogging,
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
	trackLogger(p)
	return p
}

// EnableMetrics turns on framework-metric emission for Warn/Error logs.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("info", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("info", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("error", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("error", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("warn", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("warn", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug || p.level == "debug" {
		p.logEvent("debug", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug || p.level == "debug" {
		p.logEvent("debug", msg, fields, ctx)
	}
}

// WithComponent returns a logger tagged with the given component name,
// following the "fabric/<subsystem>" / "resolver/<name>" convention.
func (p *ProductionLogger) WithComponent(component string) Logger {
	cp := *p
	cp.component = component
	trackLogger(&cp)
	return &cp
}

// GetComponent returns the component tag set by WithComponent, or "" if none.
func (p *ProductionLogger) GetComponent() string {
	return p.component
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	var b strings.Builder
	now := time.Now().Format(time.RFC3339Nano)

	if p.format == "text" {
		fmt.Fprintf(&b, "%s [%s] %s", now, strings.ToUpper(level), msg)
		if p.component != "" {
			fmt.Fprintf(&b, " component=%s", p.component)
		}
		for k, v := range fields {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
	} else {
		fmt.Fprintf(&b, `{"time":%q,"level":%q,"service":%q,"msg":%q`, now, level, p.serviceName, msg)
		if p.component != "" {
			fmt.Fprintf(&b, `,"component":%q`, p.component)
		}
		for k, v := range fields {
			fmt.Fprintf(&b, `,%q:%v`, k, jsonValue(v))
		}
		b.WriteString("}")
	}

	fmt.Fprintln(p.output, b.String())

	if p.metricsEnabled && (level == "warn" || level == "error") {
		if registry := GetGlobalMetricsRegistry(); registry != nil {
			if ctx != nil {
				registry.EmitWithContext(ctx, "fabric.log."+level, 1, "component", p.component)
			} else {
				registry.Counter("fabric.log."+level, "component", p.component)
			}
		}
	}
}

func jsonValue(v interface{}) interface{} {
	switch v.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
}

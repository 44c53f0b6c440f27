// Command fabricd runs the fabrikit task-resolution fabric: the
// TaskResolver and Mastery registries, the Mastery Composer and Executor,
// the Evolver control loop, and the Monitoring subsystem (Metrics Store,
// Alert Manager, Dashboard Generator) fronted by the HTTP API in §6.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fabrikit/fabrikit/core"
	"github.com/fabrikit/fabrikit/evolver"
	"github.com/fabrikit/fabrikit/internal/port"
	"github.com/fabrikit/fabrikit/mastery"
	"github.com/fabrikit/fabrikit/monitoring"
	"github.com/fabrikit/fabrikit/pkg/telemetry"
	"github.com/fabrikit/fabrikit/registry"
	"github.com/fabrikit/fabrikit/resilience"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		os.Stderr.WriteString("fabricd: config error: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := cfg.Logger()
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fabric/fabricd")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fabricd exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *core.Config, logger core.Logger) error {
	var otelHandle telemetry.AutoOTEL
	if cfg.Telemetry.Enabled {
		h, err := telemetry.NewAutoOTEL(cfg.Telemetry.ServiceName, "fabricd", nil)
		if err != nil {
			logger.Warn("telemetry setup failed; continuing without it", map[string]interface{}{"error": err.Error()})
		} else {
			otelHandle = h
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = otelHandle.Shutdown(shutdownCtx)
			}()
		}
	}
	monitoring.DeclareMetrics("fabricd", monitoring.ModuleConfig{
		Metrics: []monitoring.MetricDefinition{
			{
				Name:   "fabricd.uptime_seconds",
				Type:   "gauge",
				Help:   "Seconds since the fabricd process started",
				Labels: []string{"service"},
			},
		},
	})

	var redisClient *core.RedisClient
	if cfg.Discovery.Enabled {
		rc, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Discovery.RedisURL,
			DB:        1,
			Namespace: "fabrikit:evolver",
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("redis lock layer unavailable; evolver falls back to in-process locking only", map[string]interface{}{"error": err.Error()})
		} else {
			redisClient = rc
			defer redisClient.Close()
		}
	}
	_ = redisClient // reserved for future multi-process evolver lock coordination

	resolverRegistry := registry.New(nil, logger)
	masteryRegistry := mastery.New(nil, logger)

	metricsPath := filepath.Join(cfg.DataDir, core.DataDirMetricsDB)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	store, err := monitoring.Open(metricsPath, logger, monitoring.WithHighWater(cfg.Metrics.QueueHighWater))
	if err != nil {
		return err
	}
	defer store.Close()

	alertManager := monitoring.NewAlertManager(store, logger)
	installDefaultAlertRules(alertManager)
	alertManager.StartTicking(ctx, 15*time.Second)

	dashboards := monitoring.NewDashboardGenerator(store)

	retryPolicy := resilience.RetryPolicy{
		MaxAttempts:  cfg.Resilience.Retry.MaxAttempts,
		Strategy:     resilience.BackoffStrategy(cfg.Resilience.Retry.Strategy),
		BaseDelay:    cfg.Resilience.Retry.BaseDelay,
		MaxDelay:     cfg.Resilience.Retry.MaxDelay,
		JitterFactor: cfg.Resilience.Retry.JitterFactor,
	}

	historyDir := filepath.Join(cfg.DataDir, core.DataDirHistory)
	fileHistory, err := mastery.NewFileStore(historyDir)
	if err != nil {
		return err
	}
	ringHistory := mastery.NewRingStore(cfg.History.RingSize)
	history := mastery.CombinedStore{Ring: ringHistory, File: fileHistory}

	sampler := &performanceSampler{store: store}

	ev := evolver.New(resolverRegistry, alertManager, logger,
		evolver.WithWindowCapacity(cfg.Evolver.WindowSize),
		evolver.WithRetryBudget(3),
	)

	// executor and composer are the fabric's programmatic surface: an
	// embedding application drives task resolution by registering
	// resolvers and masteries against resolverRegistry/masteryRegistry and
	// calling composer.Compose / executor.Run directly. fabricd itself
	// only fronts the Monitoring API over HTTP, per §6.
	executor := mastery.NewExecutor(resolverRegistry, history, sampler, logger, 8).
		WithRetryPolicy(retryPolicy).
		WithFailureObserver(&evolverObserver{evolver: ev}).
		WithDegradedMarker(resolverRegistry)
	if otelHandle != nil {
		executor.WithTracer(otelHandle)
	}
	composer := mastery.NewComposer(masteryRegistry, resolverRegistry, nil, logger)
	_, _ = executor, composer

	logger.Info("fabric composition ready", map[string]interface{}{
		"registered_resolvers": resolverRegistry.Len(),
		"registered_masteries": masteryRegistry.Len(),
	})

	go runCollectionLoop(ctx, store, resolverRegistry, time.Duration(cfg.Collection.IntervalSec)*time.Second, time.Duration(cfg.Collection.HealthIntervalSec)*time.Second)

	api := monitoring.NewAPI(store, alertManager, dashboards, resolverRegistry, logger)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = telemetry.CorrelationMiddleware(handler)
	handler = core.LoggingMiddleware(logger, cfg.Development.Enabled)(handler)
	handler = core.CORSMiddleware(&cfg.HTTP.CORS)(handler)

	bind := resolveBind(cfg.HTTP.Bind, logger)

	server := &http.Server{
		Addr:              bind,
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("fabricd listening", map[string]interface{}{"bind": bind})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logger.Info("fabricd shutting down", nil)
	return server.Shutdown(shutdownCtx)
}

// performanceSampler bridges the Mastery Executor's PerformanceSampler
// contract into the Metrics Store.
type performanceSampler struct {
	store *monitoring.Store
}

func (s *performanceSampler) RecordPerformance(component, operation string, durationMs float64, success bool) {
	_ = s.store.Append(context.Background(), monitoring.Sample{
		Kind:   monitoring.KindPerformance,
		Source: component,
		Name:   operation,
		Value:  durationMs,
		Tags:   map[string]string{"component": component},
	})
}

// evolverObserver bridges the Mastery Executor's resolved step failures
// into the Evolver: every failure is charged against that resolver's
// rolling window, then MaybeEvolve is given a chance to fire. This is the
// wiring the Executor itself deliberately stays ignorant of, keeping
// mastery decoupled from evolver; see mastery.FailureObserver.
type evolverObserver struct {
	evolver *evolver.Evolver
}

func (o *evolverObserver) ObserveFailure(resolverName string, version core.SemanticVersion, taskID string, kind core.TaskErrorKind) {
	o.evolver.RecordFailure(resolverName, version, taskID, kind)
	if err := o.evolver.MaybeEvolve(context.Background(), resolverName); err != nil {
		// MaybeEvolve already raised a HumanInterventionRequested alert on
		// exhaustion; the error here is only useful for logs.
		_ = err
	}
}

// runCollectionLoop periodically appends a runtime system sample and a
// registry health roll-up to the Metrics Store, implementing
// CollectionConfig's two independent intervals (§6's configuration
// descriptor). It stops when ctx is cancelled.
func runCollectionLoop(ctx context.Context, store *monitoring.Store, reg *registry.Registry, collectionInterval, healthInterval time.Duration) {
	if collectionInterval <= 0 {
		collectionInterval = 30 * time.Second
	}
	if healthInterval <= 0 {
		healthInterval = 15 * time.Second
	}
	collectTicker := time.NewTicker(collectionInterval)
	healthTicker := time.NewTicker(healthInterval)
	defer collectTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-collectTicker.C:
			_ = store.Append(ctx, monitoring.Sample{
				Kind:   monitoring.KindSystem,
				Source: "collector",
				Name:   "registry_size",
				Value:  float64(reg.Len()),
			})
		case <-healthTicker.C:
			for _, status := range reg.HealthRollup(ctx, 2*time.Second) {
				value := 0.0
				if status.Healthy {
					value = 1
				}
				_ = store.Append(ctx, monitoring.Sample{
					Kind:   monitoring.KindHealth,
					Source: "collector",
					Name:   status.Name,
					Value:  value,
				})
			}
		}
	}
}

// resolveBind turns a configured HTTP bind address into a concrete one. A
// literal "auto" defers to internal/port's environment-aware strategy
// (fixed 8080 under Kubernetes/Docker/production, auto-discovered in local
// development); anything else is used as-is.
func resolveBind(configured string, logger core.Logger) string {
	if configured != "auto" {
		return configured
	}
	pm := port.NewPortManager(&portLoggerAdapter{logger})
	return pm.GetServerAddress(pm.DeterminePort())
}

// portLoggerAdapter lets internal/port's variadic-fields Logger interface
// run on top of core.Logger's map-fields one.
type portLoggerAdapter struct {
	core.Logger
}

func (a *portLoggerAdapter) fields(args []interface{}) map[string]interface{} {
	if len(args) == 1 {
		if m, ok := args[0].(map[string]interface{}); ok {
			return m
		}
	}
	return map[string]interface{}{"fields": args}
}

func (a *portLoggerAdapter) Debug(msg string, fields ...interface{}) { a.Logger.Debug(msg, a.fields(fields)) }
func (a *portLoggerAdapter) Info(msg string, fields ...interface{})  { a.Logger.Info(msg, a.fields(fields)) }
func (a *portLoggerAdapter) Warn(msg string, fields ...interface{})  { a.Logger.Warn(msg, a.fields(fields)) }
func (a *portLoggerAdapter) Error(msg string, fields ...interface{}) { a.Logger.Error(msg, a.fields(fields)) }

func installDefaultAlertRules(m *monitoring.AlertManager) {
	m.AddRule(monitoring.Rule{
		Name:     "sample_drop_rate",
		Kind:     monitoring.KindSystem,
		Window:   5 * time.Minute,
		Bucket:   5 * time.Minute,
		Reducer:  monitoring.ReduceSum,
		Severity: monitoring.SeverityHigh,
		Cooldown: time.Minute,
		Enabled:  true,
		Predicate: func(v float64) bool {
			return v > 100
		},
	})
}

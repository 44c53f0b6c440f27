package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/fabrikit/fabrikit/core"
	"github.com/fabrikit/fabrikit/monitoring"
)

// BackoffStrategy selects how the delay between attempts grows.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
	BackoffJittered    BackoffStrategy = "jittered"
)

// RetryPolicy is the Retry Engine's configuration (C2). BaseDelay = 0 makes
// every retry immediate, which is the intended way to exercise retry logic
// in tests. MaxAttempts = 1 disables retries entirely.
type RetryPolicy struct {
	MaxAttempts  int
	Strategy     BackoffStrategy
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // 0.0-1.0, only consulted by BackoffJittered

	// Retryable overrides the TaskErrorKind default retryability table.
	// Nil means use core.DefaultRetryable.
	Retryable func(kind core.TaskErrorKind) bool
}

// DefaultRetryPolicy returns the fabric's standard policy: exponential
// backoff, 3 attempts, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Strategy:    BackoffExponential,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

func (p RetryPolicy) isRetryable(kind core.TaskErrorKind) bool {
	if p.Retryable != nil {
		return p.Retryable(kind)
	}
	return core.DefaultRetryable(kind)
}

// retryable decides whether err should trigger another attempt. A *TaskError
// carries its own Retryable bit (set at construction or via WithRetryable),
// which always wins — it lets a caller mark a specific failure (e.g. a
// recovered panic) as non-retryable regardless of what the policy says about
// its kind. Plain errors fall back to policy-level, kind-based retryability.
func (p RetryPolicy) retryable(err error) bool {
	var te *core.TaskError
	if as(err, &te) {
		return te.Retryable
	}
	return p.isRetryable(core.ErrorKindInternal)
}

// Outcome summarizes a completed Call.
type Outcome struct {
	Attempts int
	Err      error
}

var fibCache = []int{0, 1}

func fib(n int) int {
	for len(fibCache) <= n {
		fibCache = append(fibCache, fibCache[len(fibCache)-1]+fibCache[len(fibCache)-2])
	}
	return fibCache[n]
}

func (p RetryPolicy) delayForAttempt(attempt int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case BackoffConstant:
		d = p.BaseDelay
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case BackoffFibonacci:
		d = p.BaseDelay * time.Duration(fib(attempt))
	case BackoffJittered:
		base := p.BaseDelay * time.Duration(1<<uint(attempt-1))
		jitter := (rand.Float64()*2 - 1) * p.JitterFactor * float64(base)
		d = base + time.Duration(jitter)
	case BackoffExponential, "":
		d = p.BaseDelay * time.Duration(1<<uint(attempt-1))
	default:
		d = p.BaseDelay
	}
	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func as(err error, target **core.TaskError) bool {
	for err != nil {
		if te, ok := err.(*core.TaskError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Call runs fn under the retry policy, sleeping between attempts according
// to Strategy, and honoring ctx cancellation at every suspension point.
// A panic inside fn is recovered and reported as a non-retryable Internal
// failure; it is never retried.
func Call(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) Outcome {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		return Outcome{
			Attempts: 0,
			Err:      fmt.Errorf("attempts=0: %w: no attempts configured", core.ErrMaxRetriesExceeded),
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Outcome{Attempts: attempt - 1, Err: ctx.Err()}
		default:
		}

		err := invoke(ctx, fn)
		if err == nil {
			return Outcome{Attempts: attempt, Err: nil}
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		if !policy.retryable(err) {
			break
		}

		delay := policy.delayForAttempt(attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	return Outcome{
		Attempts: maxAttempts,
		Err:      fmt.Errorf("attempts=%d: %w: %v", maxAttempts, core.ErrMaxRetriesExceeded, lastErr),
	}
}

// invoke recovers a panic inside fn and converts it to an Internal TaskError.
func invoke(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewTaskError(core.ErrorKindInternal, fmt.Sprintf("panic: %v", r), nil).WithRetryable(false)
		}
	}()
	return fn(ctx)
}

// --- Legacy simple API, kept for callers (telemetry integration, older
// tests) that don't need TaskErrorKind-aware retryability. ---

// RetryConfig is a simplified policy for callers that retry on any error.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

func (c *RetryConfig) toPolicy() RetryPolicy {
	strategy := BackoffExponential
	if c.BackoffFactor <= 1.0 {
		strategy = BackoffConstant
	}
	if c.JitterEnabled {
		strategy = BackoffJittered
	}
	return RetryPolicy{
		MaxAttempts:  c.MaxAttempts,
		Strategy:     strategy,
		BaseDelay:    c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		JitterFactor: 0.1,
		Retryable:    func(core.TaskErrorKind) bool { return true },
	}
}

// Retry executes fn under the legacy RetryConfig shape, retrying on any
// non-nil error regardless of kind.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	outcome := Call(ctx, config.toPolicy(), func(context.Context) error { return fn() })
	return outcome.Err
}

// RetryExecutor is a reusable, dependency-injected wrapper around Call for
// callers (see factory.go) that want to build a retrier once and invoke it
// many times with a shared logger and optional telemetry.
type RetryExecutor struct {
	policy           RetryPolicy
	backoffFactor    float64
	logger           core.Logger
	telemetryEnabled bool
}

// NewRetryExecutor creates a RetryExecutor from a legacy RetryConfig. A nil
// config uses DefaultRetryConfig.
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryExecutor{
		policy:        config.toPolicy(),
		backoffFactor: config.BackoffFactor,
		logger:        &core.NoOpLogger{},
	}
}

// SetLogger injects a logger, tagging it with the "resilience/retry"
// component when the logger supports component scoping.
func (e *RetryExecutor) SetLogger(logger core.Logger) {
	if logger == nil {
		e.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		e.logger = cal.WithComponent("resilience/retry")
		return
	}
	e.logger = logger
}

// Execute runs fn under the executor's policy, logging a "retry_start" entry
// before the first attempt, a "retry_backoff" entry before each inter-attempt
// sleep, and either a success or an ERROR-level "retry_exhausted" entry at
// the end. Telemetry is emitted when enabled.
func (e *RetryExecutor) Execute(ctx context.Context, operation string, fn func() error) error {
	maxAttempts := e.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 0
	}

	e.logger.Info("Starting retry operation", map[string]interface{}{
		"operation":       "retry_start",
		"retry_operation": operation,
		"max_attempts":    maxAttempts,
		"initial_delay":   e.policy.BaseDelay.String(),
		"backoff_factor":  e.backoffFactor,
	})

	attempts, err := e.run(ctx, operation, maxAttempts, fn)

	if err != nil {
		e.logger.Error("retry exhausted", map[string]interface{}{
			"operation":       "retry_exhausted",
			"retry_operation": operation,
			"attempts":        attempts,
			"error":           err.Error(),
		})
	} else {
		e.logger.Debug("retry operation succeeded", map[string]interface{}{
			"operation":       "retry_success",
			"retry_operation": operation,
			"attempts":        attempts,
		})
	}

	if e.telemetryEnabled {
		status := "success"
		if err != nil {
			status = "failure"
		}
		monitoring.Counter("retry.attempts", "operation", operation, "status", status)
		monitoring.Histogram("retry.attempts_used", float64(attempts), "operation", operation, "status", status)
	}
	return err
}

// run drives the attempt loop, logging a "retry_backoff" entry before every
// sleep. It returns the number of attempts made and the final error, if any.
func (e *RetryExecutor) run(ctx context.Context, operation string, maxAttempts int, fn func() error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempt - 1, ctx.Err()
		default:
		}

		err := invoke(ctx, func(context.Context) error { return fn() })
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if attempt == maxAttempts || !e.policy.retryable(err) {
			return attempt, fmt.Errorf("attempts=%d: %w: %v", attempt, core.ErrMaxRetriesExceeded, lastErr)
		}

		delay := e.policy.delayForAttempt(attempt)
		e.logger.Debug("backing off before retry", map[string]interface{}{
			"operation":       "retry_backoff",
			"retry_operation": operation,
			"attempt":         attempt,
			"delay_ms":        delay.Milliseconds(),
		})
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return maxAttempts, fmt.Errorf("attempts=%d: %w: %v", maxAttempts, core.ErrMaxRetriesExceeded, lastErr)
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitOpen
		}

		err := fn()
		if err != nil {
			cb.RecordFailure()
			return err
		}

		cb.RecordSuccess()
		return nil
	})
}

package mastery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabrikit/fabrikit/core"
	"github.com/fabrikit/fabrikit/execution"
	"github.com/fabrikit/fabrikit/pkg/telemetry"
	"github.com/fabrikit/fabrikit/resilience"
)

// DefaultCancelGrace is the cancelGrace value a new Executor is given. Run
// does not consult it: after ctx is cancelled, Run waits for every Running
// step to return and does not force a step to a terminal status.
const DefaultCancelGrace = 5 * time.Second

// ResolverSource resolves a step's selector to a live core.Resolver.
// Satisfied by registry.Registry (see registry.Registry.Resolve and the
// ResolverLookup methods it already implements for Compose-time binding).
type ResolverSource interface {
	ResolverLookup
	Resolve(name string, version *core.SemanticVersion) (core.Resolver, error)
}

// StepResult records one step's terminal outcome inside an Execution.
type StepResult struct {
	StepID    string                 `json:"step_id"`
	Status    execution.StepStatus   `json:"status"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     *core.TaskError        `json:"error,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
}

// Execution is the transient (then archived) record of one plan run.
type Execution struct {
	ID        string                `json:"id"`
	PlanName  string                `json:"plan_name"`
	TaskID    string                `json:"task_id"`
	Status    core.TaskStatus       `json:"status"`
	Steps     map[string]*StepResult `json:"steps"`
	StartedAt time.Time             `json:"started_at"`
	EndedAt   time.Time             `json:"ended_at"`
}

// PerformanceSampler receives one sample per terminal step, feeding the
// Monitoring subsystem's performance-sample stream (C9).
type PerformanceSampler interface {
	RecordPerformance(component, operation string, durationMs float64, success bool)
}

// ExecutionStore persists Executions past their terminal status. A bounded
// in-memory ring (RingStore) and a file-backed JSONL append log
// (FileStore) both satisfy it; see store.go in this package.
type ExecutionStore interface {
	Append(exec *Execution) error
	Get(id string) (*Execution, bool)
}

// FailureObserver is notified of every step failure the Executor resolves
// to a concrete (name, version), so the Evolver (C8) can charge the
// failure against that resolver's rolling window and decide whether to
// trigger evolution. The Executor stays ignorant of the evolver package;
// the observer is wired in by the process composing both (cmd/fabricd).
type FailureObserver interface {
	ObserveFailure(resolverName string, version core.SemanticVersion, taskID string, kind core.TaskErrorKind)
}

// DegradedMarker flags a resolver version as degraded when its circuit
// breaker trips open, and clears the flag once the breaker closes again.
// registry.Registry satisfies this directly via SetDegraded; the Executor
// stays ignorant of the registry package, same as with ResolverSource.
type DegradedMarker interface {
	SetDegraded(name string, version core.SemanticVersion, degraded bool) error
}

// Executor is the Mastery Executor (C7): it drives a Plan to terminal
// status, resolving each step's selector against a resolver source,
// invoking the resolver under the fabric's retry policy, and honoring
// dependency edges, fan-out bounds, and cancellation.
type Executor struct {
	resolvers  ResolverSource
	history    ExecutionStore
	sampler    PerformanceSampler
	logger     core.Logger
	retryPolicy resilience.RetryPolicy
	fanOutLimit int
	cancelGrace time.Duration
	observer    FailureObserver
	tracer      telemetry.AutoOTEL
	degraded    DegradedMarker

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// NewExecutor builds an Executor. fanOutLimit <= 0 means unbounded
// concurrency among ready steps.
func NewExecutor(resolvers ResolverSource, history ExecutionStore, sampler PerformanceSampler, logger core.Logger, fanOutLimit int) *Executor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fabric/executor")
	}
	return &Executor{
		resolvers:   resolvers,
		history:     history,
		sampler:     sampler,
		logger:      logger,
		retryPolicy: resilience.DefaultRetryPolicy(),
		fanOutLimit: fanOutLimit,
		cancelGrace: DefaultCancelGrace,
		breakers:    make(map[string]*resilience.CircuitBreaker),
	}
}

// WithRetryPolicy overrides the retry policy applied to every step's
// resolver call.
func (e *Executor) WithRetryPolicy(p resilience.RetryPolicy) *Executor {
	e.retryPolicy = p
	return e
}

// WithFailureObserver registers a FailureObserver notified of every
// resolved step failure.
func (e *Executor) WithFailureObserver(o FailureObserver) *Executor {
	e.observer = o
	return e
}

// WithTracer attaches an AutoOTEL instance; every step then runs inside its
// own resolver span with matching execution metrics. Optional: a nil or
// unset tracer simply means no spans are created.
func (e *Executor) WithTracer(t telemetry.AutoOTEL) *Executor {
	e.tracer = t
	return e
}

// WithDegradedMarker wires the registry's Degraded flag to each resolver
// version's circuit breaker: the breaker opening marks the entry degraded
// (§7), closing again clears it. Without a marker the breaker still
// fails fast on a tripped resolver, it just can't deprioritize it in the
// registry's search ordering.
func (e *Executor) WithDegradedMarker(d DegradedMarker) *Executor {
	e.degraded = d
	return e
}

// circuitBreakerFor returns the per-(name, version) circuit breaker,
// creating it on first use. Every resolver version gets its own breaker so
// one failing version doesn't trip the circuit for its siblings.
func (e *Executor) circuitBreakerFor(name string, version core.SemanticVersion) *resilience.CircuitBreaker {
	key := name + "@" + version.String()

	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	if cb, ok := e.breakers[key]; ok {
		return cb
	}

	cb, err := resilience.CreateCircuitBreaker(key, resilience.ResilienceDependencies{Logger: e.logger})
	if err != nil {
		// DefaultConfig never fails validation; this is unreachable in
		// practice, but fail open (no breaker) rather than block steps.
		e.logger.Warn("failed to create circuit breaker, step runs unprotected", map[string]interface{}{
			"operation": "executor_circuit_breaker_create_failure",
			"resolver":  key,
			"error":     err.Error(),
		})
		return nil
	}
	cb.AddStateChangeListener(func(_ string, from, to resilience.CircuitState) {
		e.onCircuitStateChange(name, version, from, to)
	})
	e.breakers[key] = cb
	return cb
}

// onCircuitStateChange keeps the registry's Degraded flag in sync with the
// resolver's circuit breaker: open means repeated failures, closed means
// the resolver is healthy again.
func (e *Executor) onCircuitStateChange(name string, version core.SemanticVersion, from, to resilience.CircuitState) {
	if e.degraded == nil {
		return
	}
	switch to {
	case resilience.StateOpen:
		if err := e.degraded.SetDegraded(name, version, true); err != nil {
			e.logger.Warn("failed to mark resolver degraded", map[string]interface{}{
				"operation": "executor_set_degraded_failure",
				"resolver":  name,
				"version":   version.String(),
				"error":     err.Error(),
			})
		}
	case resilience.StateClosed:
		if err := e.degraded.SetDegraded(name, version, false); err != nil {
			e.logger.Warn("failed to clear resolver degraded flag", map[string]interface{}{
				"operation": "executor_clear_degraded_failure",
				"resolver":  name,
				"version":   version.String(),
				"error":     err.Error(),
			})
		}
	}
}

// Run drives plan to a terminal Execution for task. It returns once every
// step has reached a terminal status, the plan has failed with Propagate
// cascade, or ctx is cancelled. On cancellation it waits for every Running
// step's resolver call to return; no grace deadline applies and no step is
// force-failed.
func (e *Executor) Run(ctx context.Context, plan *Plan, task *core.Task) (*Execution, error) {
	if err := plan.Validate(); err != nil {
		return nil, &ComposerFailure{Reason: "plan failed validation at execution time", Cause: err}
	}

	dag := execution.NewDAG()
	for _, s := range plan.Steps {
		dag.AddNode(s.ID, s.DependsOn)
	}
	if err := dag.Validate(); err != nil {
		return nil, &ComposerFailure{Reason: "plan is not a DAG", Cause: err}
	}

	exec := &Execution{
		ID:        uuid.NewString(),
		PlanName:  plan.Name,
		TaskID:    task.ID,
		Status:    core.TaskStatusInProgress,
		Steps:     make(map[string]*StepResult, len(plan.Steps)),
		StartedAt: time.Now(),
	}

	outputs := newOutputStore()
	outputs.set("input", task.Input)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      chan struct{}
		failed   bool
		running  = make(map[string]context.CancelFunc)
	)
	if e.fanOutLimit > 0 {
		sem = make(chan struct{}, e.fanOutLimit)
	}

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	for !dag.IsComplete() {
		ready := dag.ReadyNodes()
		mu.Lock()
		alreadyFailed := failed
		mu.Unlock()

		if alreadyFailed {
			// Propagate already cascaded Skipped to every pending
			// dependent; nothing new becomes eligible.
			break
		}
		if len(ready) == 0 {
			if !dag.HasRunningNodes() {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Millisecond):
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}

		for _, stepID := range ready {
			step := plan.StepByID(stepID)
			if step == nil {
				continue
			}
			dag.MarkRunning(stepID)

			if sem != nil {
				sem <- struct{}{}
			}
			wg.Add(1)

			stepCtx, stepCancel := context.WithCancel(runCtx)
			if step.Timeout > 0 {
				var timeoutCancel context.CancelFunc
				stepCtx, timeoutCancel = context.WithTimeout(stepCtx, step.Timeout)
				_ = timeoutCancel // released when stepCtx's parent is cancelled
			}
			mu.Lock()
			running[stepID] = stepCancel
			mu.Unlock()

			go func(step Step, stepCtx context.Context, stepCancel context.CancelFunc) {
				defer wg.Done()
				defer stepCancel()
				if sem != nil {
					defer func() { <-sem }()
				}

				result := e.runStep(stepCtx, step, outputs)

				mu.Lock()
				delete(running, step.ID)
				exec.Steps[step.ID] = result
				mu.Unlock()

				e.sample(plan.Name, step.ID, result)

				switch result.Status {
				case execution.StepSucceeded:
					outputs.set(step.ID, result.Output)
					dag.MarkSucceeded(step.ID, result.Output)
				case execution.StepCancelled:
					dag.MarkCancelled(step.ID)
				default: // Failed
					switch step.OnError.Kind {
					case SkipOptional:
						dag.MarkSkipped(step.ID)
					default: // Propagate, Compensate
						dag.MarkFailed(step.ID, true)
						mu.Lock()
						failed = true
						mu.Unlock()
						cancelAll()
					}
				}
			}(*step, stepCtx, stepCancel)
		}

		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
	}

	wg.Wait()

	finalStatus := core.TaskStatusCompleted
	switch {
	case ctx.Err() != nil:
		finalStatus = core.TaskStatusCancelled
	case dag.HasFailures():
		finalStatus = core.TaskStatusFailed
	}
	exec.Status = finalStatus
	exec.EndedAt = time.Now()

	if e.history != nil {
		if err := e.history.Append(exec); err != nil {
			e.logger.Warn("failed to persist execution history", map[string]interface{}{
				"operation":    "executor_history_append_failure",
				"execution_id": exec.ID,
				"error":        err.Error(),
			})
		}
	}

	e.logger.Info("plan execution finished", map[string]interface{}{
		"operation":    "executor_run_complete",
		"plan":         plan.Name,
		"execution_id": exec.ID,
		"status":       string(finalStatus),
		"steps":        len(plan.Steps),
	})

	if finalStatus == core.TaskStatusFailed {
		return exec, fmt.Errorf("plan %q failed", plan.Name)
	}
	return exec, nil
}

// runStep resolves the step's selector, binds its input, and invokes the
// resolver under the Executor's retry policy.
func (e *Executor) runStep(ctx context.Context, step Step, outputs *outputStore) *StepResult {
	started := time.Now()
	result := &StepResult{StepID: step.ID, StartedAt: started}

	name, version, err := ResolveSelector(step.Selector, e.resolvers)
	if err != nil {
		result.Status = execution.StepFailed
		result.Error = core.NewTaskError(core.ErrorKindNotFound, err.Error(), err).WithRetryable(false)
		result.EndedAt = time.Now()
		return result
	}
	resolver, err := e.resolvers.Resolve(name, &version)
	if err != nil {
		result.Status = execution.StepFailed
		result.Error = core.NewTaskError(core.ErrorKindNotFound, err.Error(), err).WithRetryable(false)
		result.EndedAt = time.Now()
		return result
	}

	input := outputs.bind(step.InputBindings)
	stepTask := core.NewTask(uuid.NewString(), step.ID, input)
	stepTask.Start()

	spanMeta := telemetry.ResolverSpanMetadata{Name: name, Capability: step.Selector.Capability, Version: version.String(), Mastery: step.ID}
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.CreateResolverSpan(ctx, spanMeta)
	}

	var finalTask *core.Task
	callResolver := func(callCtx context.Context) error {
		t, rerr := resolver.Resolve(callCtx, stepTask)
		if rerr != nil {
			return rerr
		}
		finalTask = t
		if t.Status == core.TaskStatusFailed && t.Error != nil {
			return t.Error
		}
		return nil
	}

	// The circuit breaker wraps the whole retried call: an open circuit
	// fails the step immediately without burning a retry budget on a
	// resolver version already known to be unhealthy.
	var callErr error
	cb := e.circuitBreakerFor(name, version)
	if cb != nil {
		var outcome resilience.Outcome
		callErr = cb.Execute(ctx, func() error {
			outcome = resilience.Call(ctx, e.retryPolicy, callResolver)
			return outcome.Err
		})
	} else {
		outcome := resilience.Call(ctx, e.retryPolicy, callResolver)
		callErr = outcome.Err
	}

	result.EndedAt = time.Now()
	if e.tracer != nil {
		e.tracer.RecordResolverMetrics(ctx, spanMeta, result.EndedAt.Sub(started), callErr)
	}
	if span != nil {
		span.End()
	}

	if ctx.Err() != nil && callErr != nil {
		result.Status = execution.StepCancelled
		result.Error = core.NewTaskError(core.ErrorKindCancelled, "step cancelled", ctx.Err())
		return result
	}

	if callErr != nil {
		result.Status = execution.StepFailed
		if finalTask != nil && finalTask.Error != nil {
			result.Error = finalTask.Error
		} else if errors.Is(callErr, core.ErrCircuitOpen) {
			result.Error = core.NewTaskError(core.ErrorKindDependency, callErr.Error(), callErr).WithRetryable(true)
		} else {
			result.Error = core.NewTaskError(core.ErrorKindInternal, callErr.Error(), callErr)
		}
		if e.observer != nil {
			e.observer.ObserveFailure(name, version, stepTask.ID, result.Error.Kind)
		}
		return result
	}

	result.Status = execution.StepSucceeded
	if finalTask != nil && finalTask.Result != nil {
		if m, ok := finalTask.Result.Data.(map[string]interface{}); ok {
			result.Output = m
		} else {
			result.Output = map[string]interface{}{"data": finalTask.Result.Data}
		}
	}
	return result
}

func (e *Executor) sample(plan, stepID string, result *StepResult) {
	if e.sampler == nil {
		return
	}
	durationMs := float64(result.EndedAt.Sub(result.StartedAt).Milliseconds())
	success := result.Status == execution.StepSucceeded
	e.sampler.RecordPerformance("fabric/executor", plan+"."+stepID, durationMs, success)
}

// outputStore holds the initial task input plus every step's output so far,
// and resolves a Step's InputBindings against it. Bindings of the form
// "input" or "input.field" read from the initial input; "<stepID>.field" or
// "<stepID>.output" read a prior step's recorded output.
type outputStore struct {
	mu   sync.RWMutex
	data map[string]map[string]interface{}
}

func newOutputStore() *outputStore {
	return &outputStore{data: make(map[string]map[string]interface{})}
}

func (o *outputStore) set(id string, value map[string]interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data[id] = value
}

func (o *outputStore) bind(bindings map[string]string) map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	result := make(map[string]interface{}, len(bindings))
	for field, ref := range bindings {
		// ref is "<id>" or "<id>.<subfield>"; "input" is always the
		// initial task input.
		id := ref
		sub := ""
		for i, c := range ref {
			if c == '.' {
				id = ref[:i]
				sub = ref[i+1:]
				break
			}
		}
		source, ok := o.data[id]
		if !ok {
			continue
		}
		if sub == "" || sub == "output" {
			result[field] = source
			continue
		}
		if v, ok := source[sub]; ok {
			result[field] = v
		}
	}
	return result
}

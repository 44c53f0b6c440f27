// Package evolver implements the Evolver control loop (C8): it watches
// resolver failure rates, delegates candidate generation to a configured
// generator resolver, verifies the candidate against the baseline test
// bundle the current version passed, and re-registers it on success.
package evolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fabrikit/fabrikit/core"
	"github.com/fabrikit/fabrikit/registry"
)

// FailureRecord is one failed-task observation charged against a resolver
// version, per §3's Failure record data model.
type FailureRecord struct {
	ResolverName string
	Version      core.SemanticVersion
	TaskID       string
	ErrorKind    core.TaskErrorKind
	Timestamp    time.Time
}

// window is a bounded, time-ordered ring of FailureRecords for one
// resolver name, per the "Rolling failure window → bounded ring" design
// note (default capacity 256).
type window struct {
	mu       sync.Mutex
	capacity int
	records  []FailureRecord
}

func newWindow(capacity int) *window {
	if capacity <= 0 {
		capacity = 256
	}
	return &window{capacity: capacity}
}

func (w *window) add(r FailureRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, r)
	if len(w.records) > w.capacity {
		w.records = w.records[len(w.records)-w.capacity:]
	}
}

// countSince reports how many records in the window are for version and
// at or after since.
func (w *window) countSince(version core.SemanticVersion, since time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, r := range w.records {
		if r.Version == version && !r.Timestamp.Before(since) {
			n++
		}
	}
	return n
}

// snapshot returns a copy of the records currently in the window.
func (w *window) snapshot() []FailureRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]FailureRecord(nil), w.records...)
}

// ResolverSource is the subset of registry.Registry the Evolver needs:
// looking up the current entry for a name, finding the generator resolver
// by capability, registering a verified candidate, and flagging a
// resolver degraded when evolution attempts are exhausted.
type ResolverSource interface {
	Get(name string, version *core.SemanticVersion) (*registry.Entry, error)
	FindByCapability(capability string) []*registry.Entry
	Register(ctx context.Context, resolver core.Resolver) error
	SetDegraded(name string, version core.SemanticVersion, degraded bool) error
}

// GeneratorCapability is the capability tag a resolver advertises to act as
// the Evolver's candidate generator (§4.7 step 3).
const GeneratorCapability = "evolve_resolver"

// Generator produces a candidate replacement for a chronically failing
// resolver version. Implementations are resolvers wrapping an external
// collaborator (e.g. an LLM-backed code generator); the core only depends
// on this narrow contract.
type Generator interface {
	GenerateCandidate(ctx context.Context, current core.ResolverMetadata, failures []FailureRecord) (core.Resolver, error)
}

// AlertSink receives the Evolver's HumanInterventionRequested and
// EvolutionRejected events. Satisfied by monitoring.AlertManager without
// creating an import cycle between evolver and monitoring.
type AlertSink interface {
	Raise(ruleID, severity, message string, details map[string]interface{})
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Evolver is the C8 control loop. Safe for concurrent use: evolution state
// per resolver name is guarded by its own mutex (no global lock), per §5.
type Evolver struct {
	registry ResolverSource
	alerts   AlertSink
	logger   core.Logger
	now      Clock

	windowCapacity int
	retryBudget    int

	mu          sync.Mutex
	windows     map[string]*window
	locks       map[string]*sync.Mutex
	evolving    map[string]bool
	lastEvolved map[string]time.Time
	haltedFor   map[string]bool // operator-clearable HumanInterventionRequested flag
}

// Option configures an Evolver.
type Option func(*Evolver)

// WithWindowCapacity overrides the default 256-record rolling window.
func WithWindowCapacity(n int) Option {
	return func(e *Evolver) { e.windowCapacity = n }
}

// WithRetryBudget overrides how many candidate generation+verification
// attempts the Evolver makes before emitting HumanInterventionRequested.
// Default is 3.
func WithRetryBudget(n int) Option {
	return func(e *Evolver) { e.retryBudget = n }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(e *Evolver) { e.now = clock }
}

// New builds an Evolver over registry, emitting alerts to sink.
func New(registry ResolverSource, sink AlertSink, logger core.Logger, opts ...Option) *Evolver {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fabric/evolver")
	}
	e := &Evolver{
		registry:       registry,
		alerts:         sink,
		logger:         logger,
		now:            time.Now,
		windowCapacity: 256,
		retryBudget:    3,
		windows:        make(map[string]*window),
		locks:          make(map[string]*sync.Mutex),
		evolving:       make(map[string]bool),
		lastEvolved:    make(map[string]time.Time),
		haltedFor:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evolver) lockFor(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[name]
	if !ok {
		l = &sync.Mutex{}
		e.locks[name] = l
	}
	return l
}

func (e *Evolver) windowFor(name string) *window {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[name]
	if !ok {
		w = newWindow(e.windowCapacity)
		e.windows[name] = w
	}
	return w
}

// RecordFailure charges one failed task against resolver (name, version).
// Records for a name no longer present in the registry (orphaned by
// unregister) are retained in the window but never trigger evolution,
// since Maybe Evolve's registry.Get lookup will fail and it bails out —
// matching §4.7's "orphaned by unregister are discarded" rule at the point
// evolution would otherwise fire.
func (e *Evolver) RecordFailure(resolverName string, version core.SemanticVersion, taskID string, kind core.TaskErrorKind) {
	e.windowFor(resolverName).add(FailureRecord{
		ResolverName: resolverName,
		Version:      version,
		TaskID:       taskID,
		ErrorKind:    kind,
		Timestamp:    e.now(),
	})
}

// MaybeEvolve checks whether resolver name at version V meets all three
// eligibility conditions in §4.7 and, if so, runs the evolution flow. It is
// safe to call on every failure; ineligible calls return quickly without
// side effects.
func (e *Evolver) MaybeEvolve(ctx context.Context, name string) error {
	entry, err := e.registry.Get(name, nil)
	if err != nil {
		// Orphaned failure records: nothing to evolve against.
		return nil
	}
	version := entry.Metadata.Version

	e.mu.Lock()
	halted := e.haltedFor[name]
	alreadyEvolving := e.evolving[name]
	lastEvolved, hasEvolved := e.lastEvolved[name]
	e.mu.Unlock()

	if halted || alreadyEvolving {
		return nil
	}

	since := time.Time{}
	if hasEvolved {
		if e.now().Sub(lastEvolved) < entry.Metadata.MinEvolutionInterval {
			return nil
		}
		since = lastEvolved
	}

	failures := e.windowFor(name).countSince(version, since)
	if failures < entry.Metadata.EvolutionThresholdFailures {
		return nil
	}

	return e.evolve(ctx, name, entry)
}

func (e *Evolver) evolve(ctx context.Context, name string, current *registry.Entry) error {
	lock := e.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	if e.evolving[name] {
		e.mu.Unlock()
		return nil
	}
	e.evolving[name] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.evolving[name] = false
		e.mu.Unlock()
	}()

	tester, ok := current.Resolver.(core.BaselineTester)
	if !ok {
		e.logger.Warn("resolver does not implement baseline tests; skipping evolution", map[string]interface{}{
			"operation": "evolver_no_baseline",
			"name":      name,
		})
		return nil
	}

	baseline, err := tester.RunBaselineTests(ctx)
	if err != nil {
		return fmt.Errorf("evolver: baseline snapshot for %s failed: %w", name, err)
	}

	generator := e.findGenerator()
	if generator == nil {
		e.raiseHumanIntervention(name, current.Metadata.Version, "no generator resolver configured")
		return fmt.Errorf("evolver: no resolver advertises capability %q", GeneratorCapability)
	}

	var lastErr error
	for attempt := 1; attempt <= e.retryBudget; attempt++ {
		candidate, err := generator.GenerateCandidate(ctx, current.Metadata, e.windowFor(name).snapshot())
		if err != nil {
			lastErr = err
			continue
		}

		candidateTester, ok := candidate.(core.BaselineTester)
		if !ok {
			lastErr = fmt.Errorf("candidate for %s does not implement baseline tests", name)
			continue
		}
		report, err := candidateTester.RunBaselineTests(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if !report.PassedAll(baseline.Passed) {
			e.logger.Warn("evolution candidate rejected", map[string]interface{}{
				"operation": "evolver_rejected",
				"name":      name,
				"attempt":   attempt,
			})
			if e.alerts != nil {
				e.alerts.Raise("evolution_rejected_"+name, "Low",
					fmt.Sprintf("candidate for %s regressed baseline tests", name),
					map[string]interface{}{"name": name, "attempt": attempt})
			}
			lastErr = fmt.Errorf("candidate regressed baseline tests")
			continue
		}

		if err := e.registry.Register(ctx, candidate); err != nil {
			lastErr = err
			continue
		}

		e.mu.Lock()
		e.lastEvolved[name] = e.now()
		e.mu.Unlock()

		e.logger.Info("resolver evolved", map[string]interface{}{
			"operation":     "evolver_evolved",
			"name":          name,
			"from_version":  current.Metadata.Version.String(),
			"to_version":    candidate.Metadata().Version.String(),
			"attempt":       attempt,
		})
		return nil
	}

	e.raiseHumanIntervention(name, current.Metadata.Version, fmt.Sprintf("retry budget exhausted: %v", lastErr))
	return fmt.Errorf("evolver: %s: retry budget exhausted: %w", name, lastErr)
}

func (e *Evolver) raiseHumanIntervention(name string, version core.SemanticVersion, reason string) {
	e.mu.Lock()
	e.haltedFor[name] = true
	e.mu.Unlock()

	if err := e.registry.SetDegraded(name, version, true); err != nil {
		e.logger.Warn("failed to mark resolver degraded", map[string]interface{}{
			"operation": "evolver_degrade_failure",
			"name":      name,
			"error":     err.Error(),
		})
	}
	if e.alerts != nil {
		e.alerts.Raise("human_intervention_"+name, "Critical",
			fmt.Sprintf("resolver %s requires operator intervention: %s", name, reason),
			map[string]interface{}{"name": name, "version": version.String(), "reason": reason})
	}
	e.logger.Error("human intervention requested", map[string]interface{}{
		"operation": "evolver_halt",
		"name":      name,
		"reason":    reason,
	})
}

// ClearHalt lifts a HumanInterventionRequested halt for name, allowing the
// Evolver to attempt evolution again. Called by an operator after manual
// remediation; it does not clear the registry's Degraded flag, which an
// operator clears separately once satisfied the resolver is healthy again.
func (e *Evolver) ClearHalt(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.haltedFor, name)
}

func (e *Evolver) findGenerator() Generator {
	for _, entry := range e.registry.FindByCapability(GeneratorCapability) {
		if g, ok := entry.Resolver.(Generator); ok {
			return g
		}
	}
	return nil
}

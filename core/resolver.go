package core

import "context"

// Resolver is the contract every fabric component must satisfy to be
// routed a Task. Implementations must treat resolve as cancellable at any
// suspension point and must never let a panic escape Resolve — the Retry
// Engine recovers panics on their behalf, but a well-behaved resolver
// converts its own internal failures into a TaskError of kind Internal.
type Resolver interface {
	// Resolve consumes a Task and returns a Task with terminal status set.
	// The returned error is reserved for Go-level failures that prevented
	// the resolver from even attempting the work (e.g. the context was
	// already cancelled); ordinary domain failures are reported by setting
	// task.Error and returning (task, nil).
	Resolve(ctx context.Context, task *Task) (*Task, error)

	// HealthCheck is a cheap, side-effect-free probe. It must honor ctx's
	// deadline.
	HealthCheck(ctx context.Context) (*HealthReport, error)

	// Metadata is stable for the lifetime of the registry entry.
	Metadata() ResolverMetadata
}

// BaselineTester is an optional capability a Resolver may implement. The
// Evolver calls RunBaselineTests before and after proposing a replacement
// to gate regressions.
type BaselineTester interface {
	RunBaselineTests(ctx context.Context) (*BaselineReport, error)
}

// HealthReport is the result of a resolver's HealthCheck.
type HealthReport struct {
	Healthy bool                   `json:"healthy"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// BaselineReport is the result of running a resolver's fixed test bundle.
type BaselineReport struct {
	Passed []string `json:"passed"`
	Failed []string `json:"failed"`
}

// PassedAll reports whether every test named in `required` appears in
// Passed. Used by the Evolver to confirm a candidate didn't regress any
// test the current version passed.
func (r *BaselineReport) PassedAll(required []string) bool {
	passedSet := make(map[string]bool, len(r.Passed))
	for _, name := range r.Passed {
		passedSet[name] = true
	}
	for _, name := range required {
		if !passedSet[name] {
			return false
		}
	}
	return true
}

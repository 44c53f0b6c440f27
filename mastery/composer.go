package mastery

import (
	"context"
	"fmt"

	"github.com/fabrikit/fabrikit/core"
)

// ComposerFailure is returned when synthesis produces a plan that fails
// validation (not a DAG, dangling reference) — a bug in the planning
// resolver, not a caller error.
type ComposerFailure struct {
	Reason string
	Cause  error
}

func (e *ComposerFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("composer failure: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("composer failure: %s", e.Reason)
}

func (e *ComposerFailure) Unwrap() error { return e.Cause }

// MatchThreshold is the minimum semantic-search score at which an existing
// registered plan is considered an exact enough match to reuse rather than
// re-synthesize.
const MatchThreshold = 0.92

// Composer is the Mastery Composer (C6). It never executes a plan, never
// mutates either registry, and never persists what it produces — the caller
// decides whether to register the synthesized plan.
type Composer struct {
	plans     *Registry
	resolvers ResolverLookup
	planner   PlanningResolver
	logger    core.Logger
}

// NewComposer builds a Composer over the given Mastery Registry (for reuse
// search), resolver lookup (for capability binding), and planning resolver
// (for synthesis when no existing plan matches closely enough).
func NewComposer(plans *Registry, resolvers ResolverLookup, planner PlanningResolver, logger core.Logger) *Composer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fabric/mastery")
	}
	return &Composer{plans: plans, resolvers: resolvers, planner: planner, logger: logger}
}

// Compose returns a MasteryPlan for description: an existing registered
// plan if semantic search finds one above MatchThreshold, otherwise a
// freshly synthesized plan built by consulting the planning resolver for a
// capability sequence and binding each capability to its best resolver.
func (c *Composer) Compose(ctx context.Context, description string, input map[string]interface{}) (*Plan, error) {
	if c.plans != nil {
		matches, err := c.plans.SemanticSearch(ctx, description, 1)
		if err == nil && len(matches) > 0 && matches[0].Score >= MatchThreshold {
			c.logger.Debug("reusing existing plan", map[string]interface{}{
				"operation": "composer_reuse",
				"plan":      matches[0].Plan.Name,
				"score":     matches[0].Score,
			})
			return matches[0].Plan, nil
		}
	}

	if c.planner == nil {
		return nil, &ComposerFailure{Reason: "no planning resolver configured and no existing plan matched"}
	}

	capabilities, err := c.planner.Plan(ctx, description, input)
	if err != nil {
		return nil, &ComposerFailure{Reason: "planning resolver failed", Cause: err}
	}
	if len(capabilities) == 0 {
		return nil, &ComposerFailure{Reason: "planning resolver returned no capabilities"}
	}

	plan, err := c.synthesize(description, capabilities)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, &ComposerFailure{Reason: "synthesized plan is not a valid DAG", Cause: err}
	}
	return plan, nil
}

// synthesize builds a linear-dependency plan: step i depends on step i-1,
// receiving the initial input plus every field the prior step's selector
// could plausibly produce. Real result-schema-driven binding is left to the
// resolver's declared ResultSchema at execution time; the Composer only
// establishes the dependency edges and the default "whole prior output"
// binding.
func (c *Composer) synthesize(description string, capabilities []string) (*Plan, error) {
	steps := make([]Step, 0, len(capabilities))
	var prevID string
	for i, capability := range capabilities {
		stepID := fmt.Sprintf("step-%d-%s", i+1, capability)

		bindings := map[string]string{"input": "input"}
		var dependsOn []string
		if prevID != "" {
			bindings["previous"] = prevID + ".output"
			dependsOn = []string{prevID}
		}

		steps = append(steps, Step{
			ID:            stepID,
			Selector:      ResolverSelector{Capability: capability, Constraint: ConstraintLatest},
			InputBindings: bindings,
			DependsOn:     dependsOn,
			OnError:       ErrorPolicy{Kind: Propagate},
		})
		prevID = stepID
	}

	return &Plan{
		Name:        "synthesized:" + description,
		Version:     core.SemanticVersion{Major: 1, Minor: 0, Patch: 0},
		Description: description,
		Steps:       steps,
	}, nil
}

// Package mastery holds the MasteryPlan data model, the Mastery Registry
// (C5, a versioned catalog of plans mirroring registry.Registry's shape),
// and the Mastery Composer (C6), which synthesizes a plan from a task
// description and the current TaskResolver Registry.
package mastery

import (
	"context"
	"fmt"
	"time"

	"github.com/fabrikit/fabrikit/core"
)

// ErrorPolicy decides what happens to a plan when one of its steps fails.
type ErrorPolicy struct {
	Kind           ErrorPolicyKind
	CompensateStep string // only meaningful when Kind == Compensate
}

type ErrorPolicyKind string

const (
	Propagate    ErrorPolicyKind = "propagate"
	SkipOptional ErrorPolicyKind = "skip_optional"
	Compensate   ErrorPolicyKind = "compensate"
)

// VersionConstraint selects how a ResolverSelector picks among registered
// versions of a resolver.
type VersionConstraint string

const (
	ConstraintExact  VersionConstraint = "exact"
	ConstraintCaret  VersionConstraint = "caret" // same major, highest minor.patch
	ConstraintLatest VersionConstraint = "latest"
)

// ResolverSelector names the resolver a Step should bind to, either by
// explicit (name, version constraint) or by capability (bind to whichever
// registered resolver advertises it, per registry.Registry's ordering).
type ResolverSelector struct {
	Name       string
	Capability string
	Version    core.SemanticVersion
	Constraint VersionConstraint
}

// Step is one unit of work in a MasteryPlan.
type Step struct {
	ID             string
	Selector       ResolverSelector
	InputBindings  map[string]string // step input field -> "input.<field>" or "<stepID>.<field>"
	DependsOn      []string
	OnError        ErrorPolicy
	Timeout        time.Duration
}

// Plan is a MasteryPlan: an ordered, named set of Steps forming a DAG.
type Plan struct {
	Name        string
	Version     core.SemanticVersion
	Description string
	Steps       []Step

	embedding []float64
}

// StepByID finds a step by id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Validate checks that every DependsOn reference and every compensation
// target names a real step, and that step ids are unique.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
		if s.OnError.Kind == Compensate && !seen[s.OnError.CompensateStep] {
			return fmt.Errorf("step %q compensates unknown step %q", s.ID, s.OnError.CompensateStep)
		}
	}
	return nil
}

// ResolveSelector resolves a Step's selector to a concrete (name, version)
// against the given lookup, honoring the selector's VersionConstraint.
func ResolveSelector(sel ResolverSelector, lookup ResolverLookup) (string, core.SemanticVersion, error) {
	if sel.Name != "" {
		switch sel.Constraint {
		case ConstraintExact:
			return sel.Name, sel.Version, nil
		case ConstraintCaret:
			v, err := lookup.HighestCompatible(sel.Name, sel.Version.Major)
			if err != nil {
				return "", core.SemanticVersion{}, err
			}
			return sel.Name, v, nil
		default: // latest
			v, err := lookup.Latest(sel.Name)
			if err != nil {
				return "", core.SemanticVersion{}, err
			}
			return sel.Name, v, nil
		}
	}
	if sel.Capability != "" {
		name, v, err := lookup.BestForCapability(sel.Capability)
		if err != nil {
			return "", core.SemanticVersion{}, err
		}
		return name, v, nil
	}
	return "", core.SemanticVersion{}, fmt.Errorf("resolver selector names neither a resolver nor a capability")
}

// ResolverLookup is the subset of registry.Registry the Composer and
// Executor need, kept as an interface here to avoid a dependency cycle
// between mastery and registry.
type ResolverLookup interface {
	Latest(name string) (core.SemanticVersion, error)
	HighestCompatible(name string, major int) (core.SemanticVersion, error)
	BestForCapability(capability string) (string, core.SemanticVersion, error)
}

// PlanningResolver is the capability="plan" resolver the Composer delegates
// synthesis to when no existing plan matches a request closely enough.
type PlanningResolver interface {
	Plan(ctx context.Context, description string, input map[string]interface{}) ([]string, error)
}

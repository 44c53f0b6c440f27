package mastery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fabrikit/fabrikit/core"
)

// Embedder turns free text into a vector for semantic search, the same
// shape the TaskResolver Registry uses.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type planKey struct {
	name    string
	version core.SemanticVersion
}

// Registry is the Mastery Registry (C5): the same versioned-catalog shape
// as registry.Registry, specialized to store Plan values instead of live
// resolvers.
type Registry struct {
	mu      sync.RWMutex
	entries map[planKey]*Plan
	latest  map[string]core.SemanticVersion

	embedder Embedder
	logger   core.Logger
}

// New creates an empty mastery Registry.
func New(embedder Embedder, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fabric/mastery")
	}
	return &Registry{
		entries:  make(map[planKey]*Plan),
		latest:   make(map[string]core.SemanticVersion),
		embedder: embedder,
		logger:   logger,
	}
}

// Register stores a plan, rejecting a duplicate (name, version) and
// promoting it to latest if its version is the highest seen for that name.
func (r *Registry) Register(ctx context.Context, plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return core.NewFrameworkError("mastery.Register", "mastery", err)
	}
	k := planKey{name: plan.Name, version: plan.Version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[k]; exists {
		return core.NewFrameworkError("mastery.Register", "mastery",
			fmt.Errorf("%s@%s: %w", plan.Name, plan.Version, core.ErrAlreadyRegistered))
	}

	if r.embedder != nil && plan.Description != "" {
		if vec, err := r.embedder.Embed(ctx, plan.Description); err == nil {
			plan.embedding = vec
		} else {
			r.logger.Warn("failed to embed plan description", map[string]interface{}{
				"operation": "mastery_embed_failure",
				"name":      plan.Name,
				"error":     err.Error(),
			})
		}
	}

	r.entries[k] = plan
	if cur, ok := r.latest[plan.Name]; !ok || plan.Version.Compare(cur) > 0 {
		r.latest[plan.Name] = plan.Version
	}
	r.logger.Info("plan registered", map[string]interface{}{
		"operation": "mastery_register",
		"name":      plan.Name,
		"version":   plan.Version.String(),
	})
	return nil
}

// Get returns a plan by name and version (latest if version is nil).
func (r *Registry) Get(name string, version *core.SemanticVersion) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v := core.SemanticVersion{}
	if version != nil {
		v = *version
	} else {
		latest, ok := r.latest[name]
		if !ok {
			return nil, core.NewFrameworkError("mastery.Get", "mastery",
				fmt.Errorf("%s: %w", name, core.ErrMasteryNotFound))
		}
		v = latest
	}
	plan, ok := r.entries[planKey{name: name, version: v}]
	if !ok {
		return nil, core.NewFrameworkError("mastery.Get", "mastery",
			fmt.Errorf("%s@%s: %w", name, v, core.ErrMasteryNotFound))
	}
	return plan, nil
}

// PlanSearchResult pairs a plan with its similarity score against a query.
type PlanSearchResult struct {
	Plan  *Plan
	Score float64
}

// SemanticSearch finds the plan(s) whose description best matches query,
// mirroring registry.Registry.SemanticSearch's fallback behavior when no
// embedder is configured.
func (r *Registry) SemanticSearch(ctx context.Context, query string, k int) ([]PlanSearchResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.embedder == nil {
		return r.substringSearch(query, k), nil
	}
	qvec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.NewFrameworkError("mastery.SemanticSearch", "mastery", err)
	}
	var results []PlanSearchResult
	for _, plan := range r.entries {
		if plan.embedding == nil {
			continue
		}
		results = append(results, PlanSearchResult{Plan: plan, Score: cosine(qvec, plan.embedding)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (r *Registry) substringSearch(query string, k int) []PlanSearchResult {
	var results []PlanSearchResult
	for _, plan := range r.entries {
		if containsFold(plan.Description, query) {
			results = append(results, PlanSearchResult{Plan: plan, Score: 1.0})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Plan.Name < results[j].Plan.Name })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

// ResolveSelector implements the C5 operation of the same name: it resolves
// a Step's ResolverSelector to a concrete (name, version) against lookup.
func (r *Registry) ResolveSelector(sel ResolverSelector, lookup ResolverLookup) (string, core.SemanticVersion, error) {
	return ResolveSelector(sel, lookup)
}

// Package registry implements the TaskResolver Registry (C4): the
// versioned, queryable catalog of resolvers available to the fabric. The
// Mastery Registry (package mastery) mirrors the same arena+index shape for
// MasteryPlan definitions.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fabrikit/fabrikit/core"
)

// Entry is a single registered resolver: its stable metadata plus the live
// Resolver implementation that serves it.
type Entry struct {
	Resolver core.Resolver
	Metadata core.ResolverMetadata
	// Degraded is set when this resolver version's circuit breaker trips
	// open in the Mastery Executor (§7), and when the Evolver exhausts its
	// retry budget without producing a verified replacement. Only the
	// Executor clears it, when the breaker closes again; the Evolver never
	// clears it. A degraded entry remains
	// callable but is ordered after non-degraded alternatives in
	// FindByCapability/FindByTag/SemanticSearch.
	Degraded bool

	embedding []float64
}

// key identifies an Entry by the registry's primary composite index.
type key struct {
	name    string
	version core.SemanticVersion
}

// Embedder turns free text into a vector for semantic search. Nil means the
// registry falls back to substring matching on description text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Registry is the TaskResolver Registry (C4). All mutation paths hold mu;
// readers take a read lock, so concurrent registrations and lookups never
// corrupt the capability/tag indexes.
type Registry struct {
	mu       sync.RWMutex
	entries  map[key]*Entry
	latest   map[string]core.SemanticVersion // name -> highest registered version
	byCap    map[string][]key                // capability -> entry keys
	byTag    map[string][]key                // tag -> entry keys

	embedder Embedder
	logger   core.Logger
}

// New creates an empty Registry. A nil logger falls back to a no-op logger;
// a nil embedder means semanticSearch degrades to substring matching.
func New(embedder Embedder, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fabric/registry")
	}
	return &Registry{
		entries:  make(map[key]*Entry),
		latest:   make(map[string]core.SemanticVersion),
		byCap:    make(map[string][]key),
		byTag:    make(map[string][]key),
		embedder: embedder,
		logger:   logger,
	}
}

// Register adds a resolver under its own (name, version). It rejects a
// duplicate (name, version) pair and promotes the entry to "latest" for its
// name when its version is the highest registered so far.
func (r *Registry) Register(ctx context.Context, resolver core.Resolver) error {
	md := resolver.Metadata()
	k := key{name: md.Name, version: md.Version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[k]; exists {
		return core.NewFrameworkError("registry.Register", "registry",
			fmt.Errorf("%s@%s: %w", md.Name, md.Version, core.ErrAlreadyRegistered))
	}

	entry := &Entry{Resolver: resolver, Metadata: md}
	if r.embedder != nil && md.Description != "" {
		vec, err := r.embedder.Embed(ctx, md.Description)
		if err != nil {
			r.logger.Warn("failed to embed resolver description", map[string]interface{}{
				"operation": "registry_embed_failure",
				"name":      md.Name,
				"version":   md.Version.String(),
				"error":     err.Error(),
			})
		} else {
			entry.embedding = vec
		}
	}

	r.entries[k] = entry
	for _, cap := range md.Capabilities {
		r.byCap[cap] = append(r.byCap[cap], k)
	}
	for _, tag := range md.Tags {
		r.byTag[tag] = append(r.byTag[tag], k)
	}

	if cur, ok := r.latest[md.Name]; !ok || md.Version.Compare(cur) > 0 {
		r.latest[md.Name] = md.Version
	}

	r.logger.Info("resolver registered", map[string]interface{}{
		"operation": "registry_register",
		"name":      md.Name,
		"version":   md.Version.String(),
	})
	return nil
}

// Unregister removes an entry. If it was the latest version for its name,
// the next-highest remaining version is promoted.
func (r *Registry) Unregister(name string, version core.SemanticVersion) error {
	k := key{name: name, version: version}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[k]
	if !ok {
		return core.NewFrameworkError("registry.Unregister", "registry",
			fmt.Errorf("%s@%s: %w", name, version, core.ErrResolverNotFound))
	}

	delete(r.entries, k)
	r.removeFromIndex(r.byCap, entry.Metadata.Capabilities, k)
	r.removeFromIndex(r.byTag, entry.Metadata.Tags, k)

	if r.latest[name] == version {
		delete(r.latest, name)
		for other := range r.entries {
			if other.name != name {
				continue
			}
			if cur, ok := r.latest[name]; !ok || other.version.Compare(cur) > 0 {
				r.latest[name] = other.version
			}
		}
	}
	return nil
}

func (r *Registry) removeFromIndex(idx map[string][]key, names []string, k key) {
	for _, name := range names {
		keys := idx[name]
		for i, existing := range keys {
			if existing == k {
				idx[name] = append(keys[:i], keys[i+1:]...)
				break
			}
		}
		if len(idx[name]) == 0 {
			delete(idx, name)
		}
	}
}

// Get returns the entry for name at the given version, or the latest
// registered version if version is nil.
func (r *Registry) Get(name string, version *core.SemanticVersion) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, err := r.resolveVersion(name, version)
	if err != nil {
		return nil, err
	}
	entry, ok := r.entries[key{name: name, version: v}]
	if !ok {
		return nil, core.NewFrameworkError("registry.Get", "registry",
			fmt.Errorf("%s@%s: %w", name, v, core.ErrResolverNotFound))
	}
	return entry, nil
}

func (r *Registry) resolveVersion(name string, version *core.SemanticVersion) (core.SemanticVersion, error) {
	if version != nil {
		return *version, nil
	}
	v, ok := r.latest[name]
	if !ok {
		return core.SemanticVersion{}, core.NewFrameworkError("registry.Get", "registry",
			fmt.Errorf("%s: %w", name, core.ErrResolverNotFound))
	}
	return v, nil
}

// FindByCapability returns every entry advertising capability, ordered by
// ascending depth then descending version (shallow, newest resolvers first).
func (r *Registry) FindByCapability(capability string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byCap[capability])
}

// FindByTag returns every entry advertising tag, same ordering as
// FindByCapability.
func (r *Registry) FindByTag(tag string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byTag[tag])
}

func (r *Registry) collect(keys []key) []*Entry {
	entries := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := r.entries[k]; ok {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Degraded != entries[j].Degraded {
			return !entries[i].Degraded
		}
		if entries[i].Metadata.Depth != entries[j].Metadata.Depth {
			return entries[i].Metadata.Depth < entries[j].Metadata.Depth
		}
		return entries[i].Metadata.Version.Compare(entries[j].Metadata.Version) > 0
	})
	return entries
}

// SetDegraded marks (or clears) the degraded flag on an entry. Called by
// the Executor when a resolver's breaker opens or closes, and by the Evolver
// when it emits a HumanInterventionRequested alert. Clearing the flag does
// not resume evolution attempts; Evolver.ClearHalt does that.
func (r *Registry) SetDegraded(name string, version core.SemanticVersion, degraded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key{name: name, version: version}]
	if !ok {
		return core.NewFrameworkError("registry.SetDegraded", "registry",
			fmt.Errorf("%s@%s: %w", name, version, core.ErrResolverNotFound))
	}
	entry.Degraded = degraded
	return nil
}

// SearchResult pairs an entry with its similarity score against a query.
type SearchResult struct {
	Entry *Entry
	Score float64
}

// SemanticSearch returns the k entries whose embedding has the highest
// cosine similarity to the embedded query. Without a configured embedder it
// degrades to a substring match on description, scoring 1.0 on match.
func (r *Registry) SemanticSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.embedder == nil {
		return r.substringSearch(query, k), nil
	}

	qvec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.NewFrameworkError("registry.SemanticSearch", "registry", err)
	}

	results := make([]SearchResult, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.embedding == nil {
			continue
		}
		results = append(results, SearchResult{Entry: entry, Score: cosineSimilarity(qvec, entry.embedding)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Entry.Degraded != results[j].Entry.Degraded {
			return !results[i].Entry.Degraded
		}
		return results[i].Score > results[j].Score
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (r *Registry) substringSearch(query string, k int) []SearchResult {
	q := strings.ToLower(query)
	var results []SearchResult
	for _, entry := range r.entries {
		if strings.Contains(strings.ToLower(entry.Metadata.Description), q) {
			results = append(results, SearchResult{Entry: entry, Score: 1.0})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Entry.Degraded != results[j].Entry.Degraded {
			return !results[i].Entry.Degraded
		}
		return results[i].Entry.Metadata.Name < results[j].Entry.Metadata.Name
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (sqrt(magA) * sqrt(magB))
}

func sqrt(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// HealthStatus summarizes one entry's health probe.
type HealthStatus struct {
	Name    string
	Version core.SemanticVersion
	Healthy bool
	Error   error
}

// HealthRollup probes every registered entry concurrently, each bounded by
// timeout, and aggregates the results. A per-entry failure is recorded as an
// unhealthy status rather than propagated — one bad resolver never blocks
// the roll-up.
func (r *Registry) HealthRollup(ctx context.Context, timeout time.Duration) []HealthStatus {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	results := make([]HealthStatus, len(entries))
	var wg sync.WaitGroup
	wg.Add(len(entries))
	for i, entry := range entries {
		go func(i int, entry *Entry) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			report, err := entry.Resolver.HealthCheck(probeCtx)
			status := HealthStatus{Name: entry.Metadata.Name, Version: entry.Metadata.Version}
			if err != nil {
				status.Error = err
			} else {
				status.Healthy = report.Healthy
			}
			results[i] = status
		}(i, entry)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Name != results[j].Name {
			return results[i].Name < results[j].Name
		}
		return results[i].Version.Compare(results[j].Version) > 0
	})
	return results
}

// Resolve returns the live Resolver for (name, version), satisfying
// mastery.ResolverSource so the Mastery Executor can invoke a step's
// resolver without importing the registry's internal Entry type.
func (r *Registry) Resolve(name string, version *core.SemanticVersion) (core.Resolver, error) {
	entry, err := r.Get(name, version)
	if err != nil {
		return nil, err
	}
	return entry.Resolver, nil
}

// Len reports the number of registered entries, mainly for tests and
// monitoring dashboards.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Latest returns the highest registered version for name. Satisfies
// mastery.ResolverLookup for "latest" selectors.
func (r *Registry) Latest(name string) (core.SemanticVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.latest[name]
	if !ok {
		return core.SemanticVersion{}, core.NewFrameworkError("registry.Latest", "registry",
			fmt.Errorf("%s: %w", name, core.ErrResolverNotFound))
	}
	return v, nil
}

// HighestCompatible returns the highest registered version for name whose
// major version equals major. Satisfies mastery.ResolverLookup for "caret"
// selectors.
func (r *Registry) HighestCompatible(name string, major int) (core.SemanticVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best core.SemanticVersion
	found := false
	for k := range r.entries {
		if k.name != name || k.version.Major != major {
			continue
		}
		if !found || k.version.Compare(best) > 0 {
			best = k.version
			found = true
		}
	}
	if !found {
		return core.SemanticVersion{}, core.NewFrameworkError("registry.HighestCompatible", "registry",
			fmt.Errorf("%s@%d.x: %w", name, major, core.ErrResolverNotFound))
	}
	return best, nil
}

// BestForCapability returns the (name, version) of the entry FindByCapability
// would rank first for capability. Satisfies mastery.ResolverLookup for
// capability-bound selectors.
func (r *Registry) BestForCapability(capability string) (string, core.SemanticVersion, error) {
	entries := r.FindByCapability(capability)
	if len(entries) == 0 {
		return "", core.SemanticVersion{}, core.NewFrameworkError("registry.BestForCapability", "registry",
			fmt.Errorf("%s: %w", capability, core.ErrResolverNotFound))
	}
	return entries[0].Metadata.Name, entries[0].Metadata.Version, nil
}

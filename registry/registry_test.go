package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fabrikit/fabrikit/core"
)

type stubResolver struct {
	md      core.ResolverMetadata
	healthy bool
	healthErr error
}

func (s *stubResolver) Resolve(ctx context.Context, task *core.Task) (*core.Task, error) {
	task.Complete(&core.TaskResult{Data: "ok"})
	return task, nil
}

func (s *stubResolver) HealthCheck(ctx context.Context) (*core.HealthReport, error) {
	if s.healthErr != nil {
		return nil, s.healthErr
	}
	return &core.HealthReport{Healthy: s.healthy}, nil
}

func (s *stubResolver) Metadata() core.ResolverMetadata { return s.md }

func v(major, minor, patch int) core.SemanticVersion {
	return core.SemanticVersion{Major: major, Minor: minor, Patch: patch}
}

func TestRegisterAndGetLatest(t *testing.T) {
	reg := New(nil, nil)

	r1 := &stubResolver{md: core.ResolverMetadata{Name: "summarize", Version: v(1, 0, 0), Capabilities: []string{"summarize"}}}
	r2 := &stubResolver{md: core.ResolverMetadata{Name: "summarize", Version: v(1, 2, 0), Capabilities: []string{"summarize"}}}

	if err := reg.Register(context.Background(), r1); err != nil {
		t.Fatalf("register r1: %v", err)
	}
	if err := reg.Register(context.Background(), r2); err != nil {
		t.Fatalf("register r2: %v", err)
	}

	entry, err := reg.Get("summarize", nil)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if entry.Metadata.Version != v(1, 2, 0) {
		t.Errorf("expected latest to be 1.2.0, got %s", entry.Metadata.Version)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	reg := New(nil, nil)
	r := &stubResolver{md: core.ResolverMetadata{Name: "x", Version: v(1, 0, 0)}}

	if err := reg.Register(context.Background(), r); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(context.Background(), r)
	if !errors.Is(err, core.ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestUnregisterPromotesNextVersion(t *testing.T) {
	reg := New(nil, nil)
	r1 := &stubResolver{md: core.ResolverMetadata{Name: "x", Version: v(1, 0, 0)}}
	r2 := &stubResolver{md: core.ResolverMetadata{Name: "x", Version: v(2, 0, 0)}}

	_ = reg.Register(context.Background(), r1)
	_ = reg.Register(context.Background(), r2)

	if err := reg.Unregister("x", v(2, 0, 0)); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	entry, err := reg.Get("x", nil)
	if err != nil {
		t.Fatalf("get after unregister: %v", err)
	}
	if entry.Metadata.Version != v(1, 0, 0) {
		t.Errorf("expected latest to fall back to 1.0.0, got %s", entry.Metadata.Version)
	}
}

func TestFindByCapabilityOrdering(t *testing.T) {
	reg := New(nil, nil)
	shallow := &stubResolver{md: core.ResolverMetadata{Name: "a", Version: v(1, 0, 0), Depth: 1, Capabilities: []string{"translate"}}}
	deep := &stubResolver{md: core.ResolverMetadata{Name: "b", Version: v(1, 0, 0), Depth: 3, Capabilities: []string{"translate"}}}

	_ = reg.Register(context.Background(), deep)
	_ = reg.Register(context.Background(), shallow)

	entries := reg.FindByCapability("translate")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Metadata.Name != "a" {
		t.Errorf("expected shallower entry first, got %s", entries[0].Metadata.Name)
	}
}

func TestSemanticSearchFallsBackToSubstring(t *testing.T) {
	reg := New(nil, nil)
	r := &stubResolver{md: core.ResolverMetadata{Name: "translator", Version: v(1, 0, 0), Description: "translates text between languages"}}
	_ = reg.Register(context.Background(), r)

	results, err := reg.SemanticSearch(context.Background(), "translate", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 match, got %d", len(results))
	}
}

func TestHealthRollupToleratesPartialFailure(t *testing.T) {
	reg := New(nil, nil)
	ok := &stubResolver{md: core.ResolverMetadata{Name: "ok", Version: v(1, 0, 0)}, healthy: true}
	bad := &stubResolver{md: core.ResolverMetadata{Name: "bad", Version: v(1, 0, 0)}, healthErr: errors.New("boom")}

	_ = reg.Register(context.Background(), ok)
	_ = reg.Register(context.Background(), bad)

	results := reg.HealthRollup(context.Background(), 50*time.Millisecond)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Name == "bad" && r.Error == nil {
			t.Error("expected bad resolver to report an error")
		}
		if r.Name == "ok" && !r.Healthy {
			t.Error("expected ok resolver to be healthy")
		}
	}
}

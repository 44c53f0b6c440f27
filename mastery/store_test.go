package mastery

import (
	"os"
	"testing"
)

func TestRingStoreEvictsOldest(t *testing.T) {
	ring := NewRingStore(2)

	_ = ring.Append(&Execution{ID: "a"})
	_ = ring.Append(&Execution{ID: "b"})
	_ = ring.Append(&Execution{ID: "c"})

	if ring.Len() != 2 {
		t.Fatalf("expected ring to hold 2 entries, got %d", ring.Len())
	}
	if _, ok := ring.Get("a"); ok {
		t.Error("expected oldest entry to have been evicted")
	}
	if _, ok := ring.Get("c"); !ok {
		t.Error("expected newest entry to still be present")
	}
}

func TestFileStoreAppendAndGet(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	if err := fs.Append(&Execution{ID: "x", PlanName: "demo"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := fs.Append(&Execution{ID: "y", PlanName: "demo2"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	exec, ok := fs.Get("y")
	if !ok {
		t.Fatal("expected to find execution y")
	}
	if exec.PlanName != "demo2" {
		t.Errorf("expected plan name demo2, got %q", exec.PlanName)
	}

	if _, ok := fs.Get("missing"); ok {
		t.Error("expected missing execution to not be found")
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	_ = fs.Append(&Execution{ID: "persisted"})

	if _, err := os.Stat(dir + "/history.jsonl"); err != nil {
		t.Fatalf("expected history file to exist: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	if _, ok := reopened.Get("persisted"); !ok {
		t.Error("expected reopened store to still find previously appended execution")
	}
}

func TestCombinedStorePrefersRingThenFallsBackToFile(t *testing.T) {
	dir := t.TempDir()
	fileStore, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ring := NewRingStore(1)
	combined := CombinedStore{Ring: ring, File: fileStore}

	_ = combined.Append(&Execution{ID: "first"})
	_ = combined.Append(&Execution{ID: "second"}) // evicts "first" from the ring

	if _, ok := ring.Get("first"); ok {
		t.Fatal("test setup invariant broken: ring should have evicted first")
	}

	exec, ok := combined.Get("first")
	if !ok {
		t.Fatal("expected combined store to fall back to file for evicted entry")
	}
	if exec.ID != "first" {
		t.Errorf("expected execution first, got %q", exec.ID)
	}

	if _, ok := combined.Get("second"); !ok {
		t.Error("expected combined store to find second via ring")
	}
}

package mastery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RingStore is a bounded in-memory ExecutionStore: the default history
// implementation, satisfying §4.6's "bounded history ring" requirement with
// no persistence. Appending past capacity evicts the oldest entry.
type RingStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	byID     map[string]*Execution
}

// NewRingStore creates a RingStore holding at most capacity Executions.
// capacity <= 0 defaults to 500, matching core.HistoryConfig's default.
func NewRingStore(capacity int) *RingStore {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingStore{
		capacity: capacity,
		byID:     make(map[string]*Execution),
	}
}

// Append records exec, evicting the oldest entry if the ring is full.
func (s *RingStore) Append(exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
	}
	s.order = append(s.order, exec.ID)
	s.byID[exec.ID] = exec
	return nil
}

// Get returns a stored Execution by id.
func (s *RingStore) Get(id string) (*Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.byID[id]
	return exec, ok
}

// Len reports how many Executions are currently retained.
func (s *RingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// CombinedStore fronts a fast in-memory ring and a durable file-backed
// log with a single ExecutionStore interface, mirroring the teacher's
// split between a fast cache and a durable backing store (there: Redis +
// in-memory; here: ring + JSONL). Appends go to both; Get prefers the
// ring (all recent executions) and falls back to the file for anything
// the ring has already evicted.
type CombinedStore struct {
	Ring *RingStore
	File *FileStore
}

// Append writes to the ring first so readers see the execution
// immediately, then to the file. A file write failure is returned; a
// caller that only needs fast access can ignore persistence errors.
func (c CombinedStore) Append(exec *Execution) error {
	if c.Ring != nil {
		_ = c.Ring.Append(exec)
	}
	if c.File != nil {
		return c.File.Append(exec)
	}
	return nil
}

// Get checks the ring first, then falls back to scanning the file.
func (c CombinedStore) Get(id string) (*Execution, bool) {
	if c.Ring != nil {
		if exec, ok := c.Ring.Get(id); ok {
			return exec, ok
		}
	}
	if c.File != nil {
		return c.File.Get(id)
	}
	return nil, false
}

// FileStore is an append-only JSONL ExecutionStore backing the
// persisted-state layout's `history/` directory (§6): one line per
// Execution, appended in completion order. Lookups replay the file, which
// is adequate for the fabric's append-mostly access pattern and keeps the
// on-disk format human-inspectable, matching the other `registry/` and
// `masteries/` subtrees' UTF-8 structured text requirement.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore opens (creating if necessary) the JSONL history file at
// dir/history.jsonl.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mastery.NewFileStore: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, "history.jsonl")}, nil
}

// Append writes exec as one JSON line.
func (s *FileStore) Append(exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mastery.FileStore.Append: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	return enc.Encode(exec)
}

// Get scans the file for id. Linear in history size; acceptable for the
// fabric's "inspect a past run" access pattern rather than a hot path.
func (s *FileStore) Get(id string) (*Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var found *Execution
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var exec Execution
		if err := json.Unmarshal(scanner.Bytes(), &exec); err != nil {
			continue
		}
		if exec.ID == id {
			cp := exec
			found = &cp
		}
	}
	if found == nil {
		return nil, false
	}
	return found, true
}

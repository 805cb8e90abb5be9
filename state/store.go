// Package state persists the small runtime record the notifier needs across
// restarts, kept apart from the immutable startup configuration.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Runtime is the notifier's persisted state.
type Runtime struct {
	MessageID  string `json:"message_id,omitempty"`
	ErrorCount int    `json:"error_count"`
}

// Store loads and saves the runtime record.
type Store interface {
	Load(ctx context.Context) (Runtime, error)
	Save(ctx context.Context, rt Runtime) error
}

// MemoryStore keeps the record in memory. Useful for tests and --simulate runs.
type MemoryStore struct {
	mu    sync.Mutex
	rt    Runtime
	saves int
}

// NewMemoryStore returns a store seeded with rt.
func NewMemoryStore(rt Runtime) *MemoryStore {
	return &MemoryStore{rt: rt}
}

func (m *MemoryStore) Load(_ context.Context) (Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rt, nil
}

func (m *MemoryStore) Save(_ context.Context, rt Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rt = rt
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FileStore keeps the record as a JSON file. Writes go to a temp file in the
// same directory and are renamed into place so a power cut never leaves a
// half-written record behind.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

// Load returns the zero Runtime when the file does not exist yet.
func (f *FileStore) Load(_ context.Context) (Runtime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rt Runtime
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return rt, nil
	}
	if err != nil {
		return rt, fmt.Errorf("failed to read state file %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return rt, nil
	}
	if err := json.Unmarshal(data, &rt); err != nil {
		return rt, fmt.Errorf("failed to parse state file %s: %w", f.path, err)
	}
	return rt, nil
}

func (f *FileStore) Save(_ context.Context, rt Runtime) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(rt, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", f.path, err)
	}
	return nil
}

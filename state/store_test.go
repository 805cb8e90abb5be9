package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_LoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"))

	rt, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Expected no error for missing file, got: %v", err)
	}
	if rt != (Runtime{}) {
		t.Errorf("Expected zero runtime, got %+v", rt)
	}
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewFileStore(path)
	ctx := context.Background()

	want := Runtime{MessageID: "964561421276966912", ErrorCount: 3}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Expected no error saving, got: %v", err)
	}

	got, err := NewFileStore(path).Load(ctx)
	if err != nil {
		t.Fatalf("Expected no error loading, got: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Failed to list state dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the state file to remain, got %d entries", len(entries))
	}
}

func TestFileStore_Overwrite(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	if err := store.Save(ctx, Runtime{MessageID: "1", ErrorCount: 5}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, Runtime{MessageID: "2"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.MessageID != "2" || got.ErrorCount != 0 {
		t.Errorf("Expected {2 0}, got %+v", got)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Error("Expected error for corrupt state file, got nil")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(Runtime{MessageID: "seed"})
	ctx := context.Background()

	rt, _ := store.Load(ctx)
	if rt.MessageID != "seed" {
		t.Errorf("Expected seeded id, got %q", rt.MessageID)
	}

	_ = store.Save(ctx, Runtime{MessageID: "next", ErrorCount: 1})
	rt, _ = store.Load(ctx)
	if rt.MessageID != "next" || rt.ErrorCount != 1 {
		t.Errorf("Unexpected runtime %+v", rt)
	}
	if store.Saves() != 1 {
		t.Errorf("Expected 1 save, got %d", store.Saves())
	}
}

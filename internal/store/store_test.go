package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"anybutton/internal/config"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "buttons"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "buttons", json.RawMessage(`[{"name":"a"}]`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, ok, err := s.Get(ctx, "buttons")
	if err != nil || !ok {
		t.Fatalf("expected key, got ok=%v err=%v", ok, err)
	}
	if string(v) != `[{"name":"a"}]` {
		t.Errorf("unexpected value %s", v)
	}

	if err := s.Set(ctx, "buttons", json.RawMessage(`[]`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	v, _, _ = s.Get(ctx, "buttons")
	if string(v) != `[]` {
		t.Errorf("expected overwrite, got %s", v)
	}

	if err := s.Set(ctx, "bad", json.RawMessage(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	value := json.RawMessage(`"abc"`)
	if err := s.Set(ctx, "k", value); err != nil {
		t.Fatal(err)
	}
	value[1] = 'z'
	got, _, _ := s.Get(ctx, "k")
	if string(got) != `"abc"` {
		t.Errorf("store aliased caller buffer: %s", got)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	s, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)

	// A second handle on the same file sees the first one's writes.
	other, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	v, ok, err := other.Get(context.Background(), "buttons")
	if err != nil || !ok || string(v) != `[]` {
		t.Errorf("second handle: ok=%v err=%v value=%s", ok, err, v)
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	if _, err := NewFile(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		cfg     config.StoreConfig
		wantErr bool
	}{
		{config.StoreConfig{Driver: ""}, false},
		{config.StoreConfig{Driver: config.StoreMemory}, false},
		{config.StoreConfig{Driver: config.StoreFile, Path: filepath.Join(dir, "b.json")}, false},
		{config.StoreConfig{Driver: config.StoreSQLite, Path: filepath.Join(dir, "b.db")}, false},
		{config.StoreConfig{Driver: "redis"}, true},
	}
	for _, tt := range tests {
		s, err := Open(tt.cfg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("driver %q: expected error", tt.cfg.Driver)
			}
			continue
		}
		if err != nil {
			t.Errorf("driver %q: %v", tt.cfg.Driver, err)
			continue
		}
		s.Close()
	}
}

package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"bolt":   bolt,
		"file":   NewFileStore(t.TempDir()),
		"memory": NewMemoryStore(),
	}
}

// =============================================================================
// Store Contract Tests
// =============================================================================

func TestStore_Token(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			token, err := store.LoadToken()
			if err != nil || token != "" {
				t.Fatalf("LoadToken() on empty store = %q, %v", token, err)
			}

			if err := store.SaveToken("tok-1"); err != nil {
				t.Fatalf("SaveToken() error = %v", err)
			}
			if err := store.SaveToken("tok-2"); err != nil {
				t.Fatalf("SaveToken() error = %v", err)
			}

			token, err = store.LoadToken()
			if err != nil || token != "tok-2" {
				t.Errorf("LoadToken() = %q, %v; want tok-2", token, err)
			}

			if err := store.DeleteToken(); err != nil {
				t.Fatalf("DeleteToken() error = %v", err)
			}
			if err := store.DeleteToken(); err != nil {
				t.Errorf("second DeleteToken() error = %v", err)
			}

			token, _ = store.LoadToken()
			if token != "" {
				t.Errorf("LoadToken() after delete = %q", token)
			}
		})
	}
}

func TestStore_Registration(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			reg, err := store.LoadRegistration()
			if err != nil || reg != nil {
				t.Fatalf("LoadRegistration() on empty store = %v, %v", reg, err)
			}

			saved := Registration{Email: "user@example.com", Step: StepEmailValidation}
			if err := store.SaveRegistration(saved); err != nil {
				t.Fatalf("SaveRegistration() error = %v", err)
			}

			reg, err = store.LoadRegistration()
			if err != nil {
				t.Fatalf("LoadRegistration() error = %v", err)
			}
			if reg == nil || reg.Email != saved.Email || reg.Step != saved.Step {
				t.Errorf("LoadRegistration() = %+v, want %+v", reg, saved)
			}

			if err := store.ClearRegistration(); err != nil {
				t.Fatalf("ClearRegistration() error = %v", err)
			}
			reg, _ = store.LoadRegistration()
			if reg != nil {
				t.Errorf("LoadRegistration() after clear = %+v", reg)
			}
		})
	}
}

func TestStore_RegistrationTimestamp(t *testing.T) {
	for name, store := range openStores(t) {
		if name == "memory" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			before := time.Now().UTC().Add(-time.Second)
			if err := store.SaveRegistration(Registration{Email: "a@b.c"}); err != nil {
				t.Fatal(err)
			}
			reg, _ := store.LoadRegistration()
			if reg.SavedAt.Before(before) {
				t.Errorf("SavedAt = %v, should be set on save", reg.SavedAt)
			}
		})
	}
}

// =============================================================================
// BoltStore Tests
// =============================================================================

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	if store.Path() != path {
		t.Errorf("Path() = %s, want %s", store.Path(), path)
	}
	if err := store.SaveToken("persisted"); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	store, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()

	token, err := store.LoadToken()
	if err != nil || token != "persisted" {
		t.Errorf("LoadToken() = %q, %v; want persisted", token, err)
	}
}

// =============================================================================
// FileStore Tests
// =============================================================================

func TestFileStore_Layout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	store := NewFileStore(dir)

	if err := store.SaveToken("abc"); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveRegistration(Registration{Email: "x@y.z", Step: StepPassword}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config"))
	if err != nil || string(data) != "abc" {
		t.Errorf("token file = %q, %v", data, err)
	}

	data, err = os.ReadFile(filepath.Join(dir, "registration_state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"email": "x@y.z"`) {
		t.Errorf("registration file should be indented JSON: %s", data)
	}
}

func TestFileStore_TrimsToken(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config"), []byte("tok\n"), 0600); err != nil {
		t.Fatal(err)
	}

	token, err := NewFileStore(dir).LoadToken()
	if err != nil || token != "tok" {
		t.Errorf("LoadToken() = %q, %v; want tok", token, err)
	}
}

func TestFileStore_CorruptRegistration(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "registration_state.json"), []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileStore(dir).LoadRegistration(); err == nil {
		t.Error("LoadRegistration() should fail on corrupt JSON")
	}
}

// =============================================================================
// Open Tests
// =============================================================================

func TestOpen(t *testing.T) {
	tests := []struct {
		kind    string
		want    string
		wantErr error
	}{
		{KindBolt, "*state.BoltStore", nil},
		{"", "*state.BoltStore", nil},
		{KindFile, "*state.FileStore", nil},
		{KindMemory, "*state.MemoryStore", nil},
		{"redis", "", ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			store, err := Open(tt.kind, t.TempDir())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Open(%q) error = %v, want %v", tt.kind, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer store.Close()

			if got := typeName(store); got != tt.want {
				t.Errorf("Open(%q) = %s, want %s", tt.kind, got, tt.want)
			}
		})
	}
}

func typeName(s Store) string {
	switch s.(type) {
	case *BoltStore:
		return "*state.BoltStore"
	case *FileStore:
		return "*state.FileStore"
	case *MemoryStore:
		return "*state.MemoryStore"
	}
	return "?"
}

func TestDefaultCacheDir(t *testing.T) {
	if dir := DefaultCacheDir(); !strings.HasSuffix(dir, "tabpfn") {
		t.Errorf("DefaultCacheDir() = %s", dir)
	}
}

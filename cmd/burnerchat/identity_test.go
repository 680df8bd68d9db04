package main

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadIdentityPersistsSeed verifies the key file is created once and reused.
func TestLoadIdentityPersistsSeed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "identity.key")
	first, err := loadIdentity(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat identity file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("identity file mode = %v, want 0600", info.Mode().Perm())
	}

	second, err := loadIdentity(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first != second {
		t.Fatalf("reloaded key %s, want %s", second, first)
	}
}

func TestLoadIdentityEphemeral(t *testing.T) {
	t.Parallel()

	first, err := loadIdentity("")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := loadIdentity("")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first == second || first.Len() != 32 {
		t.Fatalf("keys = %s, %s, want two distinct 32-byte keys", first, second)
	}
}

func TestLoadIdentityRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identity.key")
	if err := os.WriteFile(path, []byte("c2hvcnQ=\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadIdentity(path); err == nil {
		t.Fatal("expected short seed error")
	}
}

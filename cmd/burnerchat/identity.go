package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"burnerchat/pkg/burner"
)

// loadIdentity returns the agent key for this process.
//
// An empty path yields a fresh burner key that lives only as long as the
// process. Otherwise the ed25519 seed at path is reused, or generated and
// written there on first run.
func loadIdentity(path string) (burner.IdentityKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		public, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return burner.IdentityKey{}, fmt.Errorf("generate identity: %w", err)
		}
		return burner.NewIdentityKey(public)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return burner.IdentityKey{}, fmt.Errorf("decode identity file %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return burner.IdentityKey{}, fmt.Errorf("identity file %s: seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		private := ed25519.NewKeyFromSeed(seed)
		return burner.NewIdentityKey(private.Public().(ed25519.PublicKey))
	case errors.Is(err, os.ErrNotExist):
		return createIdentity(path)
	default:
		return burner.IdentityKey{}, fmt.Errorf("read identity file %s: %w", path, err)
	}
}

func createIdentity(path string) (burner.IdentityKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return burner.IdentityKey{}, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return burner.IdentityKey{}, fmt.Errorf("create identity dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(private.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return burner.IdentityKey{}, fmt.Errorf("write identity file %s: %w", path, err)
	}

	return burner.NewIdentityKey(public)
}

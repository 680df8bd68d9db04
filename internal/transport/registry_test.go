package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"burnerchat/internal/remotetest"
	"burnerchat/pkg/burner"
)

func stubBuilder(built *[]string) BuilderFunc {
	return func(_ context.Context, definition Definition, env Environment) (Runtime, error) {
		if definition.Name == "broken" {
			return Runtime{}, errors.New("broken build")
		}
		if env.Logger == nil {
			return Runtime{}, errors.New("missing logger")
		}
		*built = append(*built, definition.Name)

		return Runtime{Remote: remotetest.New(env.Agent)}, nil
	}
}

func TestNewRegistryRejectsDuplicateTypes(t *testing.T) {
	t.Parallel()

	var built []string
	_, err := NewRegistry([]Descriptor{
		{Type: "ws", Builder: stubBuilder(&built)},
		{Type: "ws", Builder: stubBuilder(&built)},
	})
	if !errors.Is(err, burner.ErrTransportAlreadyRegistered) {
		t.Fatalf("error = %v, want ErrTransportAlreadyRegistered", err)
	}
}

// TestRegistryBuild verifies definition selection rules.
func TestRegistryBuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		definitions []Definition
		wantName    string
		wantErr     string
	}{
		{
			name: "single enabled definition",
			definitions: []Definition{
				{Name: "standby", Type: "stub"},
				{Name: "primary", Type: "stub", Enabled: true},
			},
			wantName: "primary",
		},
		{
			name:        "nothing enabled",
			definitions: []Definition{{Name: "standby", Type: "stub"}},
			wantErr:     "no enabled transport",
		},
		{
			name: "two enabled",
			definitions: []Definition{
				{Name: "a", Type: "stub", Enabled: true},
				{Name: "b", Type: "stub", Enabled: true},
			},
			wantErr: "already enabled",
		},
		{
			name: "duplicate names",
			definitions: []Definition{
				{Name: "a", Type: "stub"},
				{Name: "a", Type: "stub", Enabled: true},
			},
			wantErr: "duplicate name",
		},
		{
			name:        "empty name",
			definitions: []Definition{{Type: "stub", Enabled: true}},
			wantErr:     "empty name",
		},
		{
			name:        "unsupported type",
			definitions: []Definition{{Name: "a", Type: "carrier-pigeon", Enabled: true}},
			wantErr:     "unsupported type",
		},
		{
			name:        "builder failure",
			definitions: []Definition{{Name: "broken", Type: "stub", Enabled: true}},
			wantErr:     "broken build",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			var built []string
			registry, err := NewRegistry([]Descriptor{{Type: "stub", Builder: stubBuilder(&built)}})
			if err != nil {
				t.Fatalf("new registry: %v", err)
			}

			runtime, err := registry.Build(context.Background(), testCase.definitions, Environment{
				Agent: burner.MustIdentityKey([]byte("me")),
			})
			if testCase.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if runtime.Name != testCase.wantName || runtime.Remote == nil || runtime.Close == nil {
				t.Fatalf("runtime = %+v, want %s with remote and close", runtime, testCase.wantName)
			}
			if len(built) != 1 {
				t.Fatalf("built = %v, want one", built)
			}
		})
	}
}

func TestBuiltinRegistrySupportsWS(t *testing.T) {
	t.Parallel()

	registry, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}
	if !registry.Supports("ws") || len(registry.Types()) != 1 {
		t.Fatalf("types = %v, want [ws]", registry.Types())
	}

	_, err = registry.Build(context.Background(), []Definition{
		{Name: "ledger", Type: "ws", Enabled: true, Config: []byte(`{"url":"http://example.com"}`)},
	}, Environment{Agent: burner.MustIdentityKey([]byte("me"))})
	if err == nil || !strings.Contains(err.Error(), "unsupported scheme") {
		t.Fatalf("error = %v, want unsupported scheme", err)
	}
}

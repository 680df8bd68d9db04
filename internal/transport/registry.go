// Package transport resolves configured transport definitions into connected
// remotes.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"burnerchat/pkg/burner"
)

// Definition describes one configured transport entry.
type Definition struct {
	// Name is the stable configured transport instance identifier.
	Name string
	// Type identifies which builder should construct this runtime.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores transport-type-specific JSON payload.
	Config []byte
}

// Environment carries process-level inputs every builder may need.
type Environment struct {
	// Agent is the local identity announced to the remote.
	Agent  burner.IdentityKey
	Logger *slog.Logger
}

// Runtime is one connected transport.
type Runtime struct {
	// Name is the definition name this runtime was built from.
	Name string
	// Remote implements the collaborator interfaces of the client core.
	Remote burner.Remote
	// Done is closed when the connection stops. It may be nil.
	Done <-chan struct{}
	// Close releases the connection.
	Close func() error
}

// BuilderFunc builds one runtime from one configured definition.
type BuilderFunc func(ctx context.Context, definition Definition, env Environment) (Runtime, error)

// Descriptor binds one transport type token to its builder.
type Descriptor struct {
	// Type is the transport type token from configuration (for example "ws").
	Type    string
	Builder BuilderFunc
}

// Registry maps transport types to runtime builders.
type Registry struct {
	builders map[string]BuilderFunc
	types    []string
}

// NewRegistry creates one immutable registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	builders := make(map[string]BuilderFunc, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new registry: empty descriptor type")
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := builders[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: %w", descriptor.Type, burner.ErrTransportAlreadyRegistered)
		}

		builders[descriptor.Type] = descriptor.Builder
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{
		builders: builders,
		types:    types,
	}, nil
}

// Types returns all registered transport types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	return append([]string(nil), r.types...)
}

// Supports reports whether transportType has a builder.
func (r *Registry) Supports(transportType string) bool {
	if r == nil {
		return false
	}
	_, ok := r.builders[transportType]

	return ok
}

// Build connects the single enabled definition.
//
// A session talks to exactly one ledger, so zero or several enabled
// definitions are configuration errors.
func (r *Registry) Build(ctx context.Context, definitions []Definition, env Environment) (Runtime, error) {
	if r == nil {
		return Runtime{}, fmt.Errorf("build transport: nil registry")
	}

	var selected *Definition
	seenNames := make(map[string]struct{}, len(definitions))
	for idx := range definitions {
		definition := &definitions[idx]
		if definition.Name == "" {
			return Runtime{}, fmt.Errorf("build transport: empty name")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return Runtime{}, fmt.Errorf("build transport %s: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if selected != nil {
			return Runtime{}, fmt.Errorf("build transport %s: %s already enabled", definition.Name, selected.Name)
		}
		selected = definition
	}
	if selected == nil {
		return Runtime{}, fmt.Errorf("build transport: no enabled transport")
	}

	builder, exists := r.builders[selected.Type]
	if !exists {
		return Runtime{}, fmt.Errorf("build transport %s type %s: unsupported type", selected.Name, selected.Type)
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}

	runtime, err := builder(ctx, *selected, env)
	if err != nil {
		return Runtime{}, fmt.Errorf("build transport %s type %s: %w", selected.Name, selected.Type, err)
	}
	if runtime.Remote == nil {
		return Runtime{}, fmt.Errorf("build transport %s type %s: nil remote", selected.Name, selected.Type)
	}
	if runtime.Name == "" {
		runtime.Name = selected.Name
	}
	if runtime.Close == nil {
		runtime.Close = func() error { return nil }
	}

	return runtime, nil
}

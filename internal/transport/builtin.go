package transport

import (
	"context"
	"fmt"

	"burnerchat/internal/transport/ws"
)

// NewBuiltinRegistry constructs the registry with all built-in transports.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type: ws.TransportType,
			Builder: func(ctx context.Context, definition Definition, env Environment) (Runtime, error) {
				options, err := ws.ParseOptions(definition.Config)
				if err != nil {
					return Runtime{}, fmt.Errorf("build ws transport from config: %w", err)
				}
				options.Agent = env.Agent
				options.Logger = env.Logger.With("transport", definition.Name)

				client, err := ws.Dial(ctx, options)
				if err != nil {
					return Runtime{}, err
				}

				return Runtime{
					Name:   definition.Name,
					Remote: client,
					Done:   client.Done(),
					Close:  client.Close,
				}, nil
			},
		},
	})
}

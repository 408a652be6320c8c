package provider

import (
	"context"
	"errors"
)

// ErrNoProvider is returned when neither the preferred nor the default
// provider is registered and no fallback exists.
var ErrNoProvider = errors.New("no usable provider")

// Adapter is the contract every model backend implements. Stream returns a
// channel owned by the adapter: the caller ranges over it until it closes,
// and cancels ctx to abandon the stream early. Adapters must close the
// channel after emitting exactly one terminal event.
type Adapter interface {
	Name() string

	// Stream starts a streaming completion. A non-nil error means the
	// stream never started; otherwise failures arrive as an Err event.
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	// Generate runs a non-streaming completion.
	Generate(ctx context.Context, req Request) (Result, error)

	// TestConnection probes the backend with a minimal request.
	TestConnection(ctx context.Context) error
}

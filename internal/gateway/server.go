package gateway

import "context"

// Server is a user-facing entry point onto the gateway and the experiment
// API (HTTP, MCP).
type Server interface {
	// Start blocks until the server exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

package simulator

import (
	"context"
	"time"
)

// Engine is the runtime behind a running simulator: a listening socket or
// an upstream client connection plus its worker goroutines. The manager
// attaches one Engine per started simulator and detaches it on stop.
type Engine interface {
	// Start binds the endpoint and launches the serving goroutines. A bind
	// or connect failure is returned immediately.
	Start(ctx context.Context) error

	// Stop signals shutdown, releases the endpoint, and waits up to the
	// grace timeout for in-flight work to drain. The endpoint is released
	// before Stop returns.
	Stop(ctx context.Context, timeout time.Duration) error
}

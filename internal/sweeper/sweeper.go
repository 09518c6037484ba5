package sweeper

import (
	"context"
)

// Sweeper defines the interface for sweeper implementations.
// Sweepers are long-running background tasks that keep the ledger converging
// toward the mint's view without a caller in the loop.
type Sweeper interface {
	// Start begins the sweeper's main loop.
	// This is a blocking call that runs until the context is canceled or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the sweeper.
	// It waits for in-progress work to complete or for ctx to expire.
	Stop(ctx context.Context) error

	// Name returns the sweeper's name for logging and identification
	Name() string
}

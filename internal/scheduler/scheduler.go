package scheduler

import "context"

// Scheduler drives jobs through their lifecycle against the batch queue.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single pass. Used for testing and the one-shot CLI.
	Tick(ctx context.Context) error
}

// Package queue abstracts the external batch-queuing system jobs run on.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/me/jobpool/internal/config"
)

// Adapter is a backend for an external batch queue. Queue ids are opaque
// strings; the scheduler never relies on anything else about a backend.
type Adapter interface {
	// Name returns the backend identifier.
	Name() string

	// Submit queues script over datafiles, writing results to outputDir.
	// Rejections of this job return *SubmissionError; a broken queue
	// returns *FatalQueueError.
	Submit(ctx context.Context, datafiles []string, outputDir, script string) (queueID string, err error)

	// CanSubmit reports whether the running and queued counts are below the
	// configured ceilings.
	CanSubmit(ctx context.Context) (bool, error)

	// IsRunning reports whether the queue still holds the job, running or waiting.
	IsRunning(ctx context.Context, queueID string) (bool, error)

	// Delete removes the job from the queue. It returns false if the queue
	// did not know the job.
	Delete(ctx context.Context, queueID string) (bool, error)

	// Status returns the number of this pool's jobs running and waiting.
	Status(ctx context.Context) (running, queued int, err error)

	// HadErrors reports whether a job that left the queue failed. It
	// returns ErrOutcomePending while the backend cannot tell yet.
	HadErrors(ctx context.Context, queueID string) (bool, error)
	ReadErrorLog(ctx context.Context, queueID string) (string, error)
	ReadOutputLog(ctx context.Context, queueID string) (string, error)
}

// ErrOutcomePending means a job has left the queue but its result is not
// available yet. The caller asks again later.
var ErrOutcomePending = errors.New("job outcome not yet known")

// SubmissionError is a rejection of one job by the queue. The job is
// charged an attempt and may be retried.
type SubmissionError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: submission rejected: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: submission rejected: %s", e.Backend, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// FatalQueueError means the queue itself is unreachable or misconfigured.
// No job can make progress until it is fixed.
type FatalQueueError struct {
	Backend string
	Op      string
	Err     error
}

func (e *FatalQueueError) Error() string {
	return fmt.Sprintf("%s: %s: queue unavailable: %v", e.Backend, e.Op, e.Err)
}

func (e *FatalQueueError) Unwrap() error { return e.Err }

// IsFatal reports whether err is, or wraps, a *FatalQueueError.
func IsFatal(err error) bool {
	var fe *FatalQueueError
	return errors.As(err, &fe)
}

// IsSubmissionError reports whether err is, or wraps, a *SubmissionError.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// Limits are the admission ceilings shared by all backends.
type Limits struct {
	MaxRunning int
	MaxQueued  int
}

// Allows reports whether another job may be submitted.
func (l Limits) Allows(running, queued int) bool {
	return running < l.MaxRunning && queued < l.MaxQueued
}

// New builds the backend selected by cfg.Backend.
func New(cfg config.Queue, logger *slog.Logger) (Adapter, error) {
	limits := Limits{MaxRunning: cfg.MaxRunning, MaxQueued: cfg.MaxQueued}
	switch cfg.Backend {
	case "local":
		return NewLocal(cfg.LogDir, limits, logger), nil
	case "pbs":
		return NewPBS(cfg.PBS, cfg.LogDir, limits, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryPolicy retries store access while the database is locked by another
// process. The backoff is fixed; MaxAttempts == 0 retries until ctx ends.
type RetryPolicy struct {
	Backoff     time.Duration
	MaxAttempts int

	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error

	// Transient classifies retryable errors. Defaults to IsBusy.
	Transient func(error) bool
}

// DefaultRetryPolicy waits one second between attempts, forever.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: time.Second}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails with a non-transient error, the
// attempt ceiling is hit, or ctx is cancelled.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	transient := p.Transient
	if transient == nil {
		transient = IsBusy
	}

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !transient(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w: %s still locked after %d attempts: %w", ErrStoreUnavailable, op, attempt, err)
		}
		logger.Warn("database locked, retrying", "op", op, "attempt", attempt, "backoff", p.Backoff)
		if err := sleep(ctx, p.Backoff); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

// IsBusy reports whether err is SQLite lock contention from a concurrent writer.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

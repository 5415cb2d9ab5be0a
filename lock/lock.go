// Package lock provides cross-process mutual exclusion for migration runs,
// either through the database's native advisory locks or through a dedicated
// lock table.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Lock is the mutual-exclusion primitive guarding a migration run.
//
// Implementations are reentrant within the same holder (the same Lock value,
// or for the table lock the same holder identity): a second Acquire succeeds
// immediately and Release must then be called once per Acquire.
type Lock interface {
	// Acquire polls for the lock with bounded backoff until timeout
	// elapses. A zero timeout means a single non-blocking attempt. It
	// returns false, not an error, when the lock stayed contended.
	Acquire(ctx context.Context, timeout time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// AcquisitionError is what callers report when Acquire returned false.
type AcquisitionError struct {
	Name    string
	Timeout time.Duration
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire migration lock %q within %s", e.Name, e.Timeout)
}

var (
	ErrNotHeld    = errors.New("lock is not held")
	ErrUnsafeName = errors.New("lock name contains characters outside [A-Za-z0-9_.-]")
)

const maxNameLength = 64

// ValidateName restricts lock names to a safe character set before they are
// interpolated into any native advisory-lock call.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return ErrUnsafeName
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '-':
		default:
			return ErrUnsafeName
		}
	}
	return nil
}

// keyFor produces a stable non-negative int64 for advisory-lock calls from a
// lock name. FNV-1a.
func keyFor(name string) int64 {
	var h uint64 = 14695981039346656037 // offset basis
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211 // prime
	}
	return int64(h & 0x7FFFFFFFFFFFFFFF)
}

// poll runs try immediately and then with exponential backoff until it
// succeeds, errors, or the timeout window closes.
func poll(ctx context.Context, timeout time.Duration, try func(context.Context) (bool, error)) (bool, error) {
	got, err := try(ctx)
	if err != nil || got {
		return got, err
	}
	if timeout <= 0 {
		return false, nil
	}

	deadline := time.Now().Add(timeout)
	attempt, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop || time.Now().Add(wait).After(deadline) {
			return false, nil
		}

		select {
		case <-attempt.Done():
			// The timeout window closing is ordinary contention; the caller
			// giving up is an error they need to see.
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return false, nil
		case <-time.After(wait):
		}

		got, err := try(attempt)
		if err != nil || got {
			return got, err
		}
	}
}

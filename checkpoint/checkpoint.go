// Package checkpoint keeps a durable, per-attempt record of migration
// progress, used to resume and inspect after a crash.
package checkpoint

import (
	"context"
	"fmt"
	"time"
)

// Status of one migration attempt.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Settled reports whether the attempt reached an end state that needs no
// further attention.
func (s Status) Settled() bool {
	return s == StatusSucceeded || s == StatusRolledBack
}

// Record is one migration attempt. Records are appended and updated, never
// deleted; together they form an audit trail independent of the migration
// history log.
type Record struct {
	MigrationID uint64    `json:"migration_id"`
	Attempt     int       `json:"attempt"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Store persists checkpoint records. The executor is the only writer,
// serialized by the migration lock; readers may inspect concurrently.
type Store interface {
	// Write opens a new attempt when the record's status is PENDING, and
	// updates the migration's latest attempt otherwise.
	Write(ctx context.Context, rec Record) error
	// Read returns the latest attempt for the migration, or nil.
	Read(ctx context.Context, migrationID uint64) (*Record, error)
	// ListIncomplete returns every migration whose latest attempt has not
	// settled (PENDING, RUNNING or FAILED), ordered by migration id.
	ListIncomplete(ctx context.Context) ([]Record, error)
}

// Error wraps a checkpoint persistence failure. Untracked execution state is
// unsafe to proceed past, so callers treat it as fatal.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("checkpoint %s failed: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

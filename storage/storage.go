// Package storage keeps the append-only history of applied migrations. The
// history log is the single source of truth for "has this migration already
// been applied": an upgrade entry marks a migration applied, a later
// downgrade entry for the same id marks it rolled back.
package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"
)

// Direction of one history entry.
type Direction rune

const (
	Up   Direction = 'u'
	Down Direction = 'd'
)

// LogEntry is one appended history row.
type LogEntry struct {
	MigrationID uint64
	Description string
	Direction   Direction
	// Checksum of the upgrade SQL, for drift verification of the history.
	Checksum  string
	AppliedAt time.Time
}

// Definition is a migration's full definition, persisted before execution
// begins so a later rollback can find its downgrade SQL even after the plan
// that produced it is gone.
type Definition struct {
	MigrationID  uint64
	Description  string
	UpgradeSQL   string
	DowngradeSQL string
	Risk         string
	SavedAt      time.Time
}

// Storage persists the history log. Entries are only ever appended.
type Storage interface {
	// Log returns the full history, oldest first.
	Log(ctx context.Context) ([]LogEntry, error)
	// Record appends one entry.
	Record(ctx context.Context, entry LogEntry) error
	// Applied folds the log into the currently-applied set, in the order
	// the migrations were (last) applied.
	Applied(ctx context.Context) ([]LogEntry, error)
	// SaveDefinition stores a migration definition, replacing any previous
	// definition with the same id.
	SaveDefinition(ctx context.Context, def Definition) error
	// Definition returns the stored definition, or nil when none exists.
	Definition(ctx context.Context, migrationID uint64) (*Definition, error)
}

// Error wraps a history persistence failure. Execution state that cannot be
// tracked is unsafe to proceed past, so callers treat it as fatal.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration history %s failed: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Checksum fingerprints a migration's upgrade SQL.
func Checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return fmt.Sprintf("%x", sum[:8])
}

// Fold reduces a history log to the applied set.
func Fold(log []LogEntry) []LogEntry {
	position := make(map[uint64]int)
	var applied []LogEntry

	for _, entry := range log {
		switch entry.Direction {
		case Up:
			if at, ok := position[entry.MigrationID]; ok {
				applied[at] = entry
				continue
			}
			position[entry.MigrationID] = len(applied)
			applied = append(applied, entry)
		case Down:
			at, ok := position[entry.MigrationID]
			if !ok {
				continue
			}
			applied = append(applied[:at], applied[at+1:]...)
			delete(position, entry.MigrationID)
			for id, p := range position {
				if p > at {
					position[id] = p - 1
				}
			}
		}
	}

	return applied
}

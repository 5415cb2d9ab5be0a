// Package drift detects schema drift between an application's desired schema
// and a live database, classifies the risk of every difference, and applies
// the resulting migration plan under a distributed lock with per-migration
// checkpointing.
package drift

import (
	"context"
	"log/slog"
	"time"

	"github.com/root-talis/drift/checkpoint"
	"github.com/root-talis/drift/exec"
	"github.com/root-talis/drift/hooks"
	"github.com/root-talis/drift/plan"
	"github.com/root-talis/drift/risk"
	"github.com/root-talis/drift/schema"
	"github.com/root-talis/drift/storage"
)

// DefaultLockName serializes concurrent engine instances pointed at the same
// database.
const DefaultLockName = "drift_migrations"

const (
	defaultLockTimeout    = 30 * time.Second
	defaultReleaseTimeout = 5 * time.Second
)

// Config tunes an Engine. The zero value is usable: SAFE mode, default lock
// name and timeout, SQL-backed checkpoints and history in the migrated
// database.
type Config struct {
	// LockName names the migration lock shared by all instances.
	LockName string
	// LockTimeout bounds how long AutoMigrate and Rollback wait for the
	// lock. Zero means a single non-blocking attempt.
	LockTimeout time.Duration
	// LockTTL is the lease of the table-lock fallback; ignored when the
	// driver has native advisory locks.
	LockTTL time.Duration

	// Mode selects how much of a plan AutoMigrate executes.
	Mode exec.Mode
	// StatementTimeout bounds each migration SQL statement.
	StatementTimeout time.Duration

	// HistoryTable overrides the history log table name.
	HistoryTable string
	// CheckpointTable overrides the checkpoint table name.
	CheckpointTable string
	// CheckpointRoot switches checkpoints to JSON files under this
	// directory, namespaced by the configured lock name.
	CheckpointRoot string

	// Checkpoints and History override the built-in stores entirely.
	Checkpoints checkpoint.Store
	History     storage.Storage

	// Hooks is consulted around plan and migration execution.
	Hooks *hooks.Registry
	// Rules are custom risk rules, consulted before the default ones.
	Rules []risk.Rule

	Logger *slog.Logger
}

// PlanResult is the outcome of one detection pass, and of the execution that
// may have followed it.
type PlanResult struct {
	Plan        *plan.Plan
	Differences []schema.Difference
	Risk        *risk.Summary

	// Executed and Skipped are populated by AutoMigrate only.
	Executed []plan.Migration
	Skipped  []plan.Migration
}

// OperationResult reports best-effort rollback progress.
type OperationResult struct {
	RolledBack int
	Failed     int
	Errors     []error
}

// StatusReport reconciles the desired schema, the history log and the
// checkpoint store.
type StatusReport struct {
	// Applied is the currently-applied set, oldest first.
	Applied []storage.LogEntry
	// Pending is the drift a detection pass would plan right now.
	Pending []schema.Difference
	// PendingRisk summarizes Pending by risk tier.
	PendingRisk *risk.Summary
	// Incomplete lists migrations whose latest checkpoint never settled.
	Incomplete []checkpoint.Record
	// Crashed lists RUNNING checkpoints with no matching history entry:
	// a previous run died mid-migration.
	Crashed []checkpoint.Record
	// Drifted lists applied migration ids whose stored upgrade SQL no
	// longer matches the checksum recorded in the history.
	Drifted []uint64
}

// Engine is the facade over detection, planning and execution.
type Engine interface {
	// Plan runs a detection pass and returns the ordered plan without
	// executing anything.
	Plan(ctx context.Context) (*PlanResult, error)
	// AutoMigrate runs a detection pass and executes the resulting plan
	// under the migration lock, honoring the configured mode.
	AutoMigrate(ctx context.Context) (*PlanResult, error)
	// Rollback reverses the N most recently applied migrations, newest
	// first, under the migration lock.
	Rollback(ctx context.Context, steps int, continueOnError bool) (*OperationResult, error)
	// Status reconciles applied history, pending drift and checkpoints.
	Status(ctx context.Context) (*StatusReport, error)
	// History returns the full append-only history log, oldest first.
	History(ctx context.Context) ([]storage.LogEntry, error)
}

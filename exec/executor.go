// Package exec applies migration plans under an explicit per-migration state
// machine: PENDING → RUNNING → {SUCCEEDED, FAILED}, with FAILED moving to
// ROLLED_BACK when downgrade SQL exists and executes cleanly.
package exec

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/root-talis/drift/checkpoint"
	"github.com/root-talis/drift/hooks"
	"github.com/root-talis/drift/plan"
	"github.com/root-talis/drift/risk"
	"github.com/root-talis/drift/storage"
)

// Mode selects how much of a plan gets executed.
type Mode uint

const (
	// ModeSafe executes only migrations at or below LOW risk and reports
	// the rest as skipped.
	ModeSafe Mode = iota
	// ModeAggressive executes everything.
	ModeAggressive
	// ModeDryRun produces the plan and executes nothing.
	ModeDryRun
)

func (m Mode) String() string {
	switch m {
	case ModeSafe:
		return "SAFE"
	case ModeAggressive:
		return "AGGRESSIVE"
	case ModeDryRun:
		return "DRY_RUN"
	}
	return fmt.Sprintf("Mode(%d)", uint(m))
}

// ErrStalePlan rejects a plan from a detection pass that has since been
// re-run.
var ErrStalePlan = errors.New("plan is stale: schema detection ran again after it was computed")

// ExecutionError reports a failed migration with a sanitized view of the SQL.
type ExecutionError struct {
	MigrationID uint64
	Description string
	SQL         string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %s [sql: %s]",
		e.MigrationID, e.Description, e.Err, e.SQL)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TokenSource reports the token of the most recent detection pass; the
// executor rejects plans carrying any other token.
type TokenSource interface {
	CurrentToken() string
}

type Config struct {
	// StatementTimeout bounds each SQL statement. Zero means no bound.
	StatementTimeout time.Duration
	// Target is the masked connection target, for log context only.
	Target string
	Logger *slog.Logger
}

// Executor owns all CheckpointRecord transitions. It runs under the
// migration lock, so it is the sole writer of checkpoints and history.
type Executor struct {
	db          *sql.DB
	checkpoints checkpoint.Store
	history     storage.Storage
	hooks       *hooks.Registry
	tokens      TokenSource
	logger      *slog.Logger
	stmtTimeout time.Duration
	target      string
}

func New(db *sql.DB, checkpoints checkpoint.Store, history storage.Storage,
	registry *hooks.Registry, tokens TokenSource, config Config) *Executor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = hooks.NewRegistry(logger)
	}
	return &Executor{
		db:          db,
		checkpoints: checkpoints,
		history:     history,
		hooks:       registry,
		tokens:      tokens,
		logger:      logger,
		stmtTimeout: config.StatementTimeout,
		target:      config.Target,
	}
}

// Result reports what ExecutePlan did with each migration.
type Result struct {
	Executed []plan.Migration
	Skipped  []plan.Migration
}

// ExecutePlan applies the plan's migrations strictly in plan order. The
// first failure halts the remaining plan after a rollback attempt.
func (e *Executor) ExecutePlan(ctx context.Context, p *plan.Plan, mode Mode) (*Result, error) {
	if e.tokens != nil && p.Token != e.tokens.CurrentToken() {
		return nil, ErrStalePlan
	}

	applied, err := e.appliedSet(ctx)
	if err != nil {
		return nil, err
	}

	var result Result

	if _, err := e.hooks.Trigger(ctx, hooks.BeforePlan, hooks.Context{}); err != nil {
		return nil, err
	}

	for _, mig := range p.Migrations {
		if applied[mig.ID] {
			continue
		}

		if mode == ModeDryRun {
			result.Skipped = append(result.Skipped, mig)
			continue
		}

		if mode == ModeSafe && mig.Risk > risk.LevelLow {
			e.logger.Info("skipping risky migration in SAFE mode",
				"migration", mig.ID,
				"description", mig.Description,
				"risk", mig.Risk.String())
			result.Skipped = append(result.Skipped, mig)
			continue
		}

		if err := e.runMigration(ctx, mig); err != nil {
			return &result, err
		}
		result.Executed = append(result.Executed, mig)
	}

	_, err = e.hooks.Trigger(ctx, hooks.AfterPlan, hooks.Context{})
	return &result, err
}

func (e *Executor) runMigration(ctx context.Context, mig plan.Migration) error {
	startedAt := time.Now().UTC()

	if err := e.checkpoints.Write(ctx, checkpoint.Record{
		MigrationID: mig.ID,
		Status:      checkpoint.StatusPending,
		StartedAt:   startedAt,
	}); err != nil {
		return err
	}

	// The migration definition is persisted before execution begins so a
	// later rollback can find its downgrade SQL.
	if err := e.history.SaveDefinition(ctx, storage.Definition{
		MigrationID:  mig.ID,
		Description:  mig.Description,
		UpgradeSQL:   mig.UpgradeSQL,
		DowngradeSQL: mig.DowngradeSQL,
		Risk:         mig.Risk.String(),
	}); err != nil {
		return err
	}

	if err := e.checkpoints.Write(ctx, checkpoint.Record{
		MigrationID: mig.ID,
		Status:      checkpoint.StatusRunning,
		StartedAt:   startedAt,
	}); err != nil {
		return err
	}

	hctx := hooks.Context{MigrationID: mig.ID, Description: mig.Description}
	if _, err := e.hooks.Trigger(ctx, hooks.BeforeMigration, hctx); err != nil {
		return e.fail(ctx, mig, startedAt, err)
	}

	e.logger.Info("applying migration",
		"migration", mig.ID,
		"description", mig.Description,
		"risk", mig.Risk.String(),
		"target", e.target)

	if err := e.execSQL(ctx, mig.UpgradeSQL); err != nil {
		return e.fail(ctx, mig, startedAt, err)
	}

	if err := e.checkpoints.Write(ctx, checkpoint.Record{
		MigrationID: mig.ID,
		Status:      checkpoint.StatusSucceeded,
		StartedAt:   startedAt,
		FinishedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := e.history.Record(ctx, storage.LogEntry{
		MigrationID: mig.ID,
		Description: mig.Description,
		Direction:   storage.Up,
		Checksum:    storage.Checksum(mig.UpgradeSQL),
	}); err != nil {
		return err
	}

	hctx.Err = nil
	if _, err := e.hooks.Trigger(ctx, hooks.AfterMigration, hctx); err != nil {
		return err
	}

	return nil
}

// fail records the failure, attempts the downgrade when one exists, and
// wraps the cause into an ExecutionError for the caller.
func (e *Executor) fail(ctx context.Context, mig plan.Migration, startedAt time.Time, cause error) error {
	e.logger.Error("migration failed",
		"migration", mig.ID,
		"description", mig.Description,
		"category", categorize(cause),
		"target", e.target,
		"error", cause)

	finishedAt := time.Now().UTC()
	if err := e.checkpoints.Write(ctx, checkpoint.Record{
		MigrationID: mig.ID,
		Status:      checkpoint.StatusFailed,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		Error:       cause.Error(),
	}); err != nil {
		return err
	}

	if mig.Reversible() {
		if err := e.execSQL(ctx, mig.DowngradeSQL); err != nil {
			e.logger.Error("rollback of failed migration also failed",
				"migration", mig.ID,
				"category", categorize(err),
				"error", err)
		} else {
			_ = e.checkpoints.Write(ctx, checkpoint.Record{
				MigrationID: mig.ID,
				Status:      checkpoint.StatusRolledBack,
				StartedAt:   startedAt,
				FinishedAt:  time.Now().UTC(),
				Error:       cause.Error(),
			})
		}
	}

	_, _ = e.hooks.Trigger(ctx, hooks.AfterMigration, hooks.Context{
		MigrationID: mig.ID,
		Description: mig.Description,
		Err:         cause,
	})

	return &ExecutionError{
		MigrationID: mig.ID,
		Description: mig.Description,
		SQL:         sanitizeSQL(mig.UpgradeSQL),
		Err:         cause,
	}
}

// execSQL runs one migration's SQL inside a single transaction, one
// statement at a time, each bounded by the statement timeout.
func (e *Executor) execSQL(ctx context.Context, sqlText string) error {
	statements := SplitStatements(sqlText)
	if len(statements) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, stmt := range statements {
		if err := e.execStatement(ctx, tx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (e *Executor) execStatement(ctx context.Context, tx *sql.Tx, stmt string) error {
	if e.stmtTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stmtTimeout)
		defer cancel()
	}

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("statement failed: %w", err)
	}
	return nil
}

// RollbackResult reports best-effort reversal progress; partial progress is
// actionable information, not an error.
type RollbackResult struct {
	RolledBack int
	Failed     int
	Errors     []error
}

// Rollback reverses the N most recently applied migrations, newest first.
// With continueOnError set, a migration without downgrade SQL (or a failing
// downgrade) is counted and skipped; otherwise it halts the reversal.
func (e *Executor) Rollback(ctx context.Context, steps int, continueOnError bool) (*RollbackResult, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("rollback steps must be positive, got %d", steps)
	}

	applied, err := e.history.Applied(ctx)
	if err != nil {
		return nil, err
	}

	if steps > len(applied) {
		steps = len(applied)
	}

	var result RollbackResult
	for i := len(applied) - 1; i >= len(applied)-steps; i-- {
		entry := applied[i]

		err := e.rollbackOne(ctx, entry)
		if err == nil {
			result.RolledBack++
			continue
		}

		var storageErr *storage.Error
		var checkpointErr *checkpoint.Error
		if errors.As(err, &storageErr) || errors.As(err, &checkpointErr) {
			// Untracked state; never proceed past a persistence failure.
			return &result, err
		}

		result.Failed++
		result.Errors = append(result.Errors, err)
		if !continueOnError {
			return &result, err
		}
	}

	return &result, nil
}

func (e *Executor) rollbackOne(ctx context.Context, entry storage.LogEntry) error {
	def, err := e.history.Definition(ctx, entry.MigrationID)
	if err != nil {
		return err
	}
	if def == nil {
		return &ExecutionError{
			MigrationID: entry.MigrationID,
			Description: entry.Description,
			Err:         errors.New("no stored definition for applied migration"),
		}
	}

	if def.DowngradeSQL == "" {
		return &ExecutionError{
			MigrationID: entry.MigrationID,
			Description: entry.Description,
			Err:         errors.New("migration is not reversible"),
		}
	}

	e.logger.Info("rolling back migration",
		"migration", entry.MigrationID,
		"description", entry.Description,
		"target", e.target)

	if err := e.execSQL(ctx, def.DowngradeSQL); err != nil {
		e.logger.Error("rollback failed",
			"migration", entry.MigrationID,
			"category", categorize(err),
			"error", err)
		return &ExecutionError{
			MigrationID: entry.MigrationID,
			Description: entry.Description,
			SQL:         sanitizeSQL(def.DowngradeSQL),
			Err:         err,
		}
	}

	if err := e.checkpoints.Write(ctx, checkpoint.Record{
		MigrationID: entry.MigrationID,
		Status:      checkpoint.StatusRolledBack,
		StartedAt:   time.Now().UTC(),
		FinishedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}

	return e.history.Record(ctx, storage.LogEntry{
		MigrationID: entry.MigrationID,
		Description: entry.Description,
		Direction:   storage.Down,
		Checksum:    entry.Checksum,
	})
}

func (e *Executor) appliedSet(ctx context.Context) (map[uint64]bool, error) {
	entries, err := e.history.Applied(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[uint64]bool, len(entries))
	for _, entry := range entries {
		set[entry.MigrationID] = true
	}
	return set, nil
}

// categorize separates I/O-class failures (connection loss, filesystem) from
// logic errors for logging detail. Both propagate either way.
func categorize(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, sqldriver.ErrBadConn):
		return "io"
	default:
		return "logic"
	}
}

const maxSQLInError = 120

// sanitizeSQL collapses whitespace and truncates, so error text stays
// readable and free of bulky literals.
func sanitizeSQL(sqlText string) string {
	collapsed := strings.Join(strings.Fields(sqlText), " ")
	if len(collapsed) > maxSQLInError {
		return collapsed[:maxSQLInError] + "..."
	}
	return collapsed
}

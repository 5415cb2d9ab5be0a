package drift

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/root-talis/drift/checkpoint"
	"github.com/root-talis/drift/driver"
	"github.com/root-talis/drift/exec"
	"github.com/root-talis/drift/hooks"
	"github.com/root-talis/drift/lock"
	"github.com/root-talis/drift/plan"
	"github.com/root-talis/drift/risk"
	"github.com/root-talis/drift/schema"
	"github.com/root-talis/drift/storage"
)

type engine struct {
	drv      driver.Driver
	detector *schema.Detector
	assessor *risk.Assessor
	planner  *plan.Planner
	guard    lock.Lock
	executor *exec.Executor
	checks   checkpoint.Store
	history  storage.Storage
	logger   *slog.Logger

	mode        exec.Mode
	lockName    string
	lockTimeout time.Duration

	// token of the most recent detection pass; plans carrying any other
	// token are stale and refused by the executor.
	mu    sync.Mutex
	token string
}

// New builds an Engine over one live database. It creates the bookkeeping
// tables (history, checkpoints) immediately when the built-in SQL stores are
// used.
func New(ctx context.Context, provider schema.Provider, drv driver.Driver, config Config) (Engine, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lockName := config.LockName
	if lockName == "" {
		lockName = DefaultLockName
	}
	lockTimeout := config.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = defaultLockTimeout
	}

	history := config.History
	if history == nil {
		s, err := storage.NewSQLStorage(ctx, drv, config.HistoryTable)
		if err != nil {
			return nil, err
		}
		history = s
	}

	checks := config.Checkpoints
	if checks == nil {
		var err error
		if config.CheckpointRoot != "" {
			checks, err = checkpoint.NewFileStore(config.CheckpointRoot, lockName)
		} else {
			checks, err = checkpoint.NewSQLStore(ctx, drv, config.CheckpointTable)
		}
		if err != nil {
			return nil, err
		}
	}

	registry := config.Hooks
	if registry == nil {
		registry = hooks.NewRegistry(logger)
	}

	var guard lock.Lock
	var err error
	if advisory := drv.Advisory(); advisory != nil {
		guard, err = lock.NewAdvisory(advisory, lockName, logger)
	} else {
		guard, err = lock.NewTableLock(drv, lock.TableConfig{
			Name: lockName,
			TTL:  config.LockTTL,
		}, logger)
	}
	if err != nil {
		return nil, err
	}

	assessor := risk.NewAssessor(risk.Dialect{
		Name:                 drv.Name(),
		AlterRequiresRebuild: drv.AlterRequiresRebuild(),
		ImplicitCasts:        drv.ImplicitCasts(),
	}, config.Rules...)

	e := &engine{
		drv:         drv,
		detector:    schema.NewDetector(provider, drv),
		assessor:    assessor,
		planner:     plan.NewPlanner(drv, assessor),
		guard:       guard,
		checks:      checks,
		history:     history,
		logger:      logger,
		mode:        config.Mode,
		lockName:    lockName,
		lockTimeout: lockTimeout,
	}
	e.executor = exec.New(drv.Conn(), checks, history, registry, e, exec.Config{
		StatementTimeout: config.StatementTimeout,
		Target:           drv.Target(),
		Logger:           logger,
	})

	return e, nil
}

// CurrentToken reports the token of the most recent detection pass.
func (e *engine) CurrentToken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

func (e *engine) Plan(ctx context.Context) (*PlanResult, error) {
	diffs, err := e.detector.DetectChanges(ctx)
	if err != nil {
		return nil, err
	}

	summary, err := e.assessor.Summarize(diffs)
	if err != nil {
		return nil, err
	}

	p, err := e.planner.Generate(diffs)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.token = p.Token
	e.mu.Unlock()

	e.logger.Info("detection pass complete",
		"target", e.drv.Target(),
		"differences", len(diffs),
		"highest_risk", summary.Highest.String())

	return &PlanResult{
		Plan:        p,
		Differences: diffs,
		Risk:        summary,
	}, nil
}

func (e *engine) AutoMigrate(ctx context.Context) (*PlanResult, error) {
	result, err := e.Plan(ctx)
	if err != nil {
		return nil, err
	}

	if len(result.Plan.Migrations) == 0 {
		return result, nil
	}

	// A dry run executes nothing, so it needs no lock.
	if e.mode != exec.ModeDryRun {
		if err := e.acquire(ctx); err != nil {
			return result, err
		}
		defer e.release()
	}

	run, execErr := e.executor.ExecutePlan(ctx, result.Plan, e.mode)
	if run != nil {
		result.Executed = run.Executed
		result.Skipped = run.Skipped
	}
	return result, execErr
}

func (e *engine) Rollback(ctx context.Context, steps int, continueOnError bool) (*OperationResult, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	run, err := e.executor.Rollback(ctx, steps, continueOnError)
	if run == nil {
		return nil, err
	}
	return &OperationResult{
		RolledBack: run.RolledBack,
		Failed:     run.Failed,
		Errors:     run.Errors,
	}, err
}

func (e *engine) Status(ctx context.Context) (*StatusReport, error) {
	applied, err := e.history.Applied(ctx)
	if err != nil {
		return nil, err
	}

	diffs, err := e.detector.DetectChanges(ctx)
	if err != nil {
		return nil, err
	}

	summary, err := e.assessor.Summarize(diffs)
	if err != nil {
		return nil, err
	}

	incomplete, err := e.checks.ListIncomplete(ctx)
	if err != nil {
		return nil, err
	}

	appliedSet := make(map[uint64]bool, len(applied))
	for _, entry := range applied {
		appliedSet[entry.MigrationID] = true
	}

	var crashed []checkpoint.Record
	for _, rec := range incomplete {
		if rec.Status == checkpoint.StatusRunning && !appliedSet[rec.MigrationID] {
			crashed = append(crashed, rec)
		}
	}

	var drifted []uint64
	for _, entry := range applied {
		def, err := e.history.Definition(ctx, entry.MigrationID)
		if err != nil {
			return nil, err
		}
		if def != nil && storage.Checksum(def.UpgradeSQL) != entry.Checksum {
			drifted = append(drifted, entry.MigrationID)
		}
	}

	return &StatusReport{
		Applied:     applied,
		Pending:     diffs,
		PendingRisk: summary,
		Incomplete:  incomplete,
		Crashed:     crashed,
		Drifted:     drifted,
	}, nil
}

func (e *engine) History(ctx context.Context) ([]storage.LogEntry, error) {
	return e.history.Log(ctx)
}

func (e *engine) acquire(ctx context.Context) error {
	ok, err := e.guard.Acquire(ctx, e.lockTimeout)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock %q: %w", e.lockName, err)
	}
	if !ok {
		return &lock.AcquisitionError{Name: e.lockName, Timeout: e.lockTimeout}
	}
	return nil
}

// release runs on a fresh context so a canceled migration context cannot
// leave the lock held until its TTL expires.
func (e *engine) release() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultReleaseTimeout)
	defer cancel()

	if err := e.guard.Release(ctx); err != nil {
		e.logger.Error("failed to release migration lock",
			"lock", e.lockName, "error", err)
	}
}

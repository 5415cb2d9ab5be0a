// Package plan turns detected schema differences into an ordered, reversible
// migration plan.
package plan

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/root-talis/drift/driver"
	"github.com/root-talis/drift/risk"
	"github.com/root-talis/drift/schema"
)

// Migration is one planned schema change. Immutable once created; one
// difference produces exactly one migration so checkpoints stay fine-grained.
type Migration struct {
	// ID is time-ordered and strictly monotonic within a plan:
	// YYYYMMDDHHMMSS followed by a three-digit sequence number.
	ID           uint64
	Description  string
	UpgradeSQL   string
	DowngradeSQL string // empty when no safe inverse exists
	Risk         risk.Level
	// DependsOn lists prior migrations of the same plan this one
	// structurally requires, in plan order.
	DependsOn []uint64
}

// Reversible reports whether the migration carries downgrade SQL.
func (m *Migration) Reversible() bool {
	return m.DowngradeSQL != ""
}

// Plan is the ordered outcome of one detection pass.
type Plan struct {
	// Token ties the plan to the detection pass that produced it; the
	// engine rejects plans whose token is no longer current.
	Token      string
	ComputedAt time.Time
	Migrations []Migration
}

// execution phases: all adds run before any drop to keep the window of
// irreversible state as small as possible, and constraint drops run before
// the column/table drops that depend on them.
const (
	phaseAddTable = iota
	phaseAddColumn
	phaseAlter
	phaseAddConstraint
	phaseDropConstraint
	phaseDropColumn
	phaseDropTable
)

func phase(kind schema.Kind) int {
	switch kind {
	case schema.AddTable:
		return phaseAddTable
	case schema.AddColumn:
		return phaseAddColumn
	case schema.AlterColumnType, schema.AlterNullability:
		return phaseAlter
	case schema.AddConstraint:
		return phaseAddConstraint
	case schema.DropConstraint:
		return phaseDropConstraint
	case schema.DropColumn:
		return phaseDropColumn
	default:
		return phaseDropTable
	}
}

// Planner owns Migration and Plan construction.
type Planner struct {
	dialect  driver.Dialect
	assessor *risk.Assessor

	// now is a test seam.
	now func() time.Time

	// lastID keeps ids strictly monotonic across plans generated by the
	// same planner, even within one clock second.
	mu     sync.Mutex
	lastID uint64
}

func NewPlanner(dialect driver.Dialect, assessor *risk.Assessor) *Planner {
	return &Planner{
		dialect:  dialect,
		assessor: assessor,
		now:      time.Now,
	}
}

// Generate orders the differences, assesses each one and synthesizes upgrade
// and downgrade SQL. Unrelated differences are never merged.
func (p *Planner) Generate(diffs []schema.Difference) (*Plan, error) {
	ordered := make([]schema.Difference, 0, len(diffs))
	for ph := phaseAddTable; ph <= phaseDropTable; ph++ {
		for _, d := range diffs {
			if phase(d.Kind) == ph {
				ordered = append(ordered, d)
			}
		}
	}

	computedAt := p.now().UTC()
	baseID, err := strconv.ParseUint(computedAt.Format("20060102150405"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to derive migration id base: %w", err)
	}
	baseID *= 1000

	p.mu.Lock()
	if baseID <= p.lastID {
		baseID = p.lastID + 1
	}
	p.lastID = baseID + uint64(len(ordered))
	p.mu.Unlock()

	result := Plan{
		Token:      uuid.NewString(),
		ComputedAt: computedAt,
		Migrations: make([]Migration, 0, len(ordered)),
	}

	addedTables := make(map[string]uint64)          // table -> ADD_TABLE migration id
	droppedConstraints := make(map[string][]uint64) // table -> DROP_CONSTRAINT migration ids

	for i, diff := range ordered {
		level, err := p.assessor.Assess(diff)
		if err != nil {
			return nil, err
		}

		up, down, err := p.renderSQL(diff)
		if err != nil {
			return nil, err
		}

		id := baseID + uint64(i)
		mig := Migration{
			ID:           id,
			Description:  diff.String(),
			UpgradeSQL:   up,
			DowngradeSQL: down,
			Risk:         level,
		}

		switch diff.Kind {
		case schema.AddTable:
			addedTables[diff.Table] = id
		case schema.AddColumn, schema.AddConstraint:
			if dep, ok := addedTables[diff.Table]; ok {
				mig.DependsOn = append(mig.DependsOn, dep)
			}
		case schema.DropConstraint:
			droppedConstraints[diff.Table] = append(droppedConstraints[diff.Table], id)
		case schema.DropColumn, schema.DropTable:
			mig.DependsOn = append(mig.DependsOn, droppedConstraints[diff.Table]...)
		}

		result.Migrations = append(result.Migrations, mig)
	}

	return &result, nil
}

// renderSQL synthesizes the forward SQL and its structural inverse. Kinds
// that lost data (dropped columns and tables) have no safe inverse and yield
// empty downgrade SQL.
func (p *Planner) renderSQL(diff schema.Difference) (up, down string, err error) {
	d := p.dialect

	switch diff.Kind {
	case schema.AddTable:
		return d.CreateTableSQL(diff.TableDef), d.DropTableSQL(diff.Table), nil

	case schema.DropTable:
		return d.DropTableSQL(diff.Table), "", nil

	case schema.AddColumn:
		return d.AddColumnSQL(diff.Table, *diff.NewColumn),
			d.DropColumnSQL(diff.Table, diff.NewColumn.Name), nil

	case schema.DropColumn:
		return d.DropColumnSQL(diff.Table, diff.OldColumn.Name), "", nil

	case schema.AlterColumnType:
		return d.AlterColumnTypeSQL(diff.Table, *diff.NewColumn),
			d.AlterColumnTypeSQL(diff.Table, *diff.OldColumn), nil

	case schema.AlterNullability:
		return d.AlterNullabilitySQL(diff.Table, *diff.NewColumn),
			d.AlterNullabilitySQL(diff.Table, *diff.OldColumn), nil

	case schema.AddConstraint:
		return d.AddConstraintSQL(diff.Table, *diff.NewConstraint),
			d.DropConstraintSQL(diff.Table, diff.NewConstraint.Name), nil

	case schema.DropConstraint:
		return d.DropConstraintSQL(diff.Table, diff.OldConstraint.Name),
			d.AddConstraintSQL(diff.Table, *diff.OldConstraint), nil
	}

	return "", "", fmt.Errorf("cannot render SQL for difference kind %s", diff.Kind)
}

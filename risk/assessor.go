package risk

import (
	"fmt"

	"github.com/root-talis/drift/schema"
)

// Level is an ordered risk tier. Comparisons rely on the declaration order.
type Level uint

const (
	LevelSafe Level = iota
	LevelLow
	LevelMedium
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelSafe:
		return "SAFE"
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	}
	return fmt.Sprintf("Level(%d)", uint(l))
}

// AssessmentError reports a difference kind no rule recognizes. The assessor
// never silently defaults to SAFE; an unrecognized kind needs a new rule.
type AssessmentError struct {
	Kind schema.Kind
}

func (e *AssessmentError) Error() string {
	return fmt.Sprintf("no risk rule recognizes difference kind %s", e.Kind)
}

// Rule is a custom (predicate, level) pair consulted before the default
// rules; the first matching custom rule wins.
type Rule struct {
	Match func(schema.Difference) bool
	Level Level
}

// Assessor classifies schema differences into risk tiers.
type Assessor struct {
	dialect Dialect
	custom  []Rule
}

func NewAssessor(dialect Dialect, custom ...Rule) *Assessor {
	return &Assessor{
		dialect: dialect,
		custom:  custom,
	}
}

// Assess returns the risk tier of one difference.
func (a *Assessor) Assess(diff schema.Difference) (Level, error) {
	for _, rule := range a.custom {
		if rule.Match(diff) {
			return rule.Level, nil
		}
	}

	switch diff.Kind {
	case schema.AddTable:
		return LevelSafe, nil

	case schema.AddColumn:
		// A not-null column without a default would leave every existing
		// row in violation of the new constraint.
		if diff.NewColumn.Nullable || diff.NewColumn.HasDefault() {
			return LevelSafe, nil
		}
		return LevelHigh, nil

	case schema.DropColumn, schema.DropTable:
		return LevelHigh, nil // irreversible data loss

	case schema.AlterColumnType:
		if a.dialect.AlterRequiresRebuild {
			// The rebuild itself is risky under load, whatever the types.
			return LevelHigh, nil
		}
		switch CheckCompatibility(diff.OldColumn.Type, diff.NewColumn.Type, a.dialect) {
		case Safe, Compatible:
			return LevelLow, nil
		default:
			return LevelHigh, nil
		}

	case schema.AlterNullability:
		if diff.NewColumn.Nullable {
			return LevelSafe, nil
		}
		// Tightening to NOT NULL fails if existing rows hold NULLs.
		return LevelMedium, nil

	case schema.AddConstraint:
		return LevelMedium, nil // may fail on existing rows

	case schema.DropConstraint:
		return LevelLow, nil
	}

	return LevelSafe, &AssessmentError{Kind: diff.Kind}
}

// Summary aggregates the assessment of a difference list.
type Summary struct {
	ByLevel map[Level]int
	Highest Level
}

// Summarize assesses every difference and reports counts per tier plus the
// highest tier seen.
func (a *Assessor) Summarize(diffs []schema.Difference) (*Summary, error) {
	summary := Summary{
		ByLevel: make(map[Level]int, 4),
	}

	for _, diff := range diffs {
		level, err := a.Assess(diff)
		if err != nil {
			return nil, err
		}
		summary.ByLevel[level]++
		if level > summary.Highest {
			summary.Highest = level
		}
	}

	return &summary, nil
}

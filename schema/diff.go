package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a single structural difference between the desired schema
// and the live database.
type Kind uint

const (
	AddTable Kind = iota
	DropTable
	AddColumn
	DropColumn
	AlterColumnType
	AlterNullability
	AddConstraint
	DropConstraint
)

// InternalTablePrefix marks bookkeeping tables (history log, checkpoints,
// lock rows). The detector never reports them as drift.
const InternalTablePrefix = "_drift"

func (k Kind) String() string {
	switch k {
	case AddTable:
		return "ADD_TABLE"
	case DropTable:
		return "DROP_TABLE"
	case AddColumn:
		return "ADD_COLUMN"
	case DropColumn:
		return "DROP_COLUMN"
	case AlterColumnType:
		return "ALTER_COLUMN_TYPE"
	case AlterNullability:
		return "ALTER_NULLABILITY"
	case AddConstraint:
		return "ADD_CONSTRAINT"
	case DropConstraint:
		return "DROP_CONSTRAINT"
	}
	return fmt.Sprintf("Kind(%d)", uint(k))
}

// Difference is one detected structural change. Only the fields relevant to
// Kind are set; a Difference is immutable once produced by the Detector.
type Difference struct {
	Kind  Kind
	Table string

	OldColumn     *Column
	NewColumn     *Column
	OldConstraint *Constraint
	NewConstraint *Constraint

	// TableDef carries the full definition for AddTable (desired) and
	// DropTable (introspected).
	TableDef *Table
}

func (d Difference) String() string {
	switch {
	case d.NewColumn != nil:
		return fmt.Sprintf("%s %s.%s", d.Kind, d.Table, d.NewColumn.Name)
	case d.OldColumn != nil:
		return fmt.Sprintf("%s %s.%s", d.Kind, d.Table, d.OldColumn.Name)
	case d.NewConstraint != nil:
		return fmt.Sprintf("%s %s.%s", d.Kind, d.Table, d.NewConstraint.Name)
	case d.OldConstraint != nil:
		return fmt.Sprintf("%s %s.%s", d.Kind, d.Table, d.OldConstraint.Name)
	}
	return fmt.Sprintf("%s %s", d.Kind, d.Table)
}

// DetectionError wraps a catalog-introspection failure with the table that
// was being inspected.
type DetectionError struct {
	Table string
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("schema detection failed for table %q: %s", e.Table, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// Introspector reads the live database's catalog. Implemented by the dialect
// drivers; all methods are read-only.
type Introspector interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, name string) (*Table, error)
}

// Detector compares the desired schema against the live database. Safe to
// call repeatedly; it performs read-only catalog queries and has no other
// side effects.
type Detector struct {
	provider Provider
	db       Introspector
}

func NewDetector(provider Provider, db Introspector) *Detector {
	return &Detector{
		provider: provider,
		db:       db,
	}
}

// DetectChanges produces the ordered drift between the desired schema and the
// live database. Columns and constraints match by name only; a dropped+added
// column is reported as two independent differences, never as a rename. The
// output ordering is deterministic (tables and members sorted by name).
func (d *Detector) DetectChanges(ctx context.Context) ([]Difference, error) {
	desired, err := d.provider.DesiredSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load desired schema: %w", err)
	}

	liveNames, err := d.db.ListTables(ctx)
	if err != nil {
		return nil, &DetectionError{Table: "", Err: err}
	}

	live := make(map[string]*Table, len(liveNames))
	for _, name := range liveNames {
		if strings.HasPrefix(strings.ToLower(name), InternalTablePrefix) {
			continue
		}
		table, err := d.db.DescribeTable(ctx, name)
		if err != nil {
			return nil, &DetectionError{Table: name, Err: err}
		}
		live[strings.ToLower(name)] = table
	}

	desiredNames := make(map[string]struct{}, len(desired))
	for name := range desired {
		desiredNames[strings.ToLower(name)] = struct{}{}
	}

	var diffs []Difference

	for _, name := range sortedKeys(desired) {
		want := desired[name]
		have, exists := live[strings.ToLower(name)]

		if !exists {
			def := want
			diffs = append(diffs, Difference{
				Kind:     AddTable,
				Table:    name,
				TableDef: &def,
			})
			continue
		}

		diffs = append(diffs, compareTables(name, have, &want)...)
	}

	for _, name := range sortedLiveNames(liveNames) {
		if strings.HasPrefix(strings.ToLower(name), InternalTablePrefix) {
			continue
		}
		if _, exists := desiredNames[strings.ToLower(name)]; exists {
			continue
		}
		diffs = append(diffs, Difference{
			Kind:     DropTable,
			Table:    name,
			TableDef: live[strings.ToLower(name)],
		})
	}

	return diffs, nil
}

// compareTables emits column and constraint differences for one table that
// exists on both sides.
func compareTables(name string, have, want *Table) []Difference {
	var diffs []Difference

	for _, col := range sortedColumns(want.Columns) {
		existing := have.Column(col.Name)
		if existing == nil {
			c := col
			diffs = append(diffs, Difference{Kind: AddColumn, Table: name, NewColumn: &c})
			continue
		}

		if !sameType(existing.Type, col.Type) {
			oldCol, newCol := *existing, col
			diffs = append(diffs, Difference{
				Kind:      AlterColumnType,
				Table:     name,
				OldColumn: &oldCol,
				NewColumn: &newCol,
			})
		}

		if existing.Nullable != col.Nullable {
			oldCol, newCol := *existing, col
			diffs = append(diffs, Difference{
				Kind:      AlterNullability,
				Table:     name,
				OldColumn: &oldCol,
				NewColumn: &newCol,
			})
		}
	}

	for _, col := range sortedColumns(have.Columns) {
		if want.Column(col.Name) == nil {
			c := col
			diffs = append(diffs, Difference{Kind: DropColumn, Table: name, OldColumn: &c})
		}
	}

	for _, cons := range sortedConstraints(want.Constraints) {
		if have.Constraint(cons.Name) == nil {
			c := cons
			diffs = append(diffs, Difference{Kind: AddConstraint, Table: name, NewConstraint: &c})
		}
	}

	for _, cons := range sortedConstraints(have.Constraints) {
		if want.Constraint(cons.Name) == nil {
			c := cons
			diffs = append(diffs, Difference{Kind: DropConstraint, Table: name, OldConstraint: &c})
		}
	}

	return diffs
}

// sameType compares raw dialect type strings, ignoring case and surrounding
// whitespace. Semantic compatibility between different types is the risk
// checker's concern, not the detector's.
func sameType(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func sortedKeys(tables map[string]Table) []string {
	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedLiveNames(names []string) []string {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	return sorted
}

func sortedColumns(cols []Column) []Column {
	sorted := make([]Column, len(cols))
	copy(sorted, cols)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	return sorted
}

func sortedConstraints(cons []Constraint) []Constraint {
	sorted := make([]Constraint, len(cons))
	copy(sorted, cons)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	return sorted
}

// Package driver defines the dialect boundary between the migration engine
// and a concrete database.
package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/root-talis/drift/schema"
)

// Dialect renders DDL and exposes the traits the risk assessor and planner
// need to know about an engine.
type Dialect interface {
	Name() string

	// QuoteIdent escapes and quotes one identifier.
	QuoteIdent(name string) string
	// Placeholder returns the n-th (1-based) statement placeholder.
	Placeholder(n int) string

	CreateTableSQL(t *schema.Table) string
	DropTableSQL(table string) string
	AddColumnSQL(table string, col schema.Column) string
	DropColumnSQL(table, column string) string
	AlterColumnTypeSQL(table string, col schema.Column) string
	AlterNullabilitySQL(table string, col schema.Column) string
	AddConstraintSQL(table string, c schema.Constraint) string
	DropConstraintSQL(table, name string) string

	// AlterRequiresRebuild reports whether in-place column alteration is
	// implemented as a full table rebuild on this engine.
	AlterRequiresRebuild() bool
	// ImplicitCasts lists normalized type conversions the engine performs
	// implicitly, keyed by source type.
	ImplicitCasts() map[string][]string
}

// AdvisoryLocker is implemented by drivers whose engine has a native
// advisory-locking facility.
type AdvisoryLocker interface {
	// TryAdvisoryLock attempts to take the named lock without blocking.
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64) error
}

// Driver is a dialect bound to one live database connection.
type Driver interface {
	Dialect
	schema.Introspector

	// Conn exposes the underlying connection for the executor and stores.
	Conn() *sql.DB
	// Advisory returns the native advisory locker, or nil when the caller
	// must fall back to a lock table.
	Advisory() AdvisoryLocker
	// Target returns a human-readable connection target with credentials
	// masked, safe to embed in error text and logs.
	Target() string
}

var ErrUnknownTable = errors.New("table does not exist")

// ColumnDDL renders "name type [NOT NULL] [DEFAULT ...]" using the dialect's
// identifier quoting. Shared by every dialect.
func ColumnDDL(d Dialect, col schema.Column) string {
	var b strings.Builder
	b.WriteString(d.QuoteIdent(col.Name))
	b.WriteByte(' ')
	b.WriteString(col.Type)
	if !col.Nullable {
		b.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(*col.Default)
	}
	return b.String()
}

// CreateTableDDL renders a full CREATE TABLE statement.
func CreateTableDDL(d Dialect, t *schema.Table) string {
	parts := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, col := range t.Columns {
		parts = append(parts, "    "+ColumnDDL(d, col))
	}
	for _, c := range t.Constraints {
		parts = append(parts, fmt.Sprintf("    CONSTRAINT %s %s", d.QuoteIdent(c.Name), c.Def))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", d.QuoteIdent(t.Name), strings.Join(parts, ",\n"))
}

// AddColumnDDL renders an ALTER TABLE ... ADD COLUMN statement.
func AddColumnDDL(d Dialect, table string, col schema.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.QuoteIdent(table), ColumnDDL(d, col))
}

// DropColumnDDL renders an ALTER TABLE ... DROP COLUMN statement.
func DropColumnDDL(d Dialect, table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.QuoteIdent(table), d.QuoteIdent(column))
}

// AddConstraintDDL renders an ALTER TABLE ... ADD CONSTRAINT statement.
func AddConstraintDDL(d Dialect, table string, c schema.Constraint) string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
		d.QuoteIdent(table), d.QuoteIdent(c.Name), c.Def)
}

// DropConstraintDDL renders an ALTER TABLE ... DROP CONSTRAINT statement.
func DropConstraintDDL(d Dialect, table, name string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", d.QuoteIdent(table), d.QuoteIdent(name))
}

// Package sqlite implements the drift driver for SQLite (cgo-free, via
// modernc.org/sqlite).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // database/sql driver "sqlite"

	"github.com/root-talis/drift/driver"
	"github.com/root-talis/drift/schema"
)

type Config struct {
	// Path of the database file, for Target() only.
	Path string
}

type sqliteDriver struct {
	conn   *sql.DB
	config Config
}

func NewDriver(conn *sql.DB, config Config) driver.Driver {
	return &sqliteDriver{
		conn:   conn,
		config: config,
	}
}

// Open opens (or creates) the database file and wraps it in a drift driver.
func Open(path string) (driver.Driver, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return NewDriver(conn, Config{Path: path}), nil
}

func (drv *sqliteDriver) Name() string { return "sqlite" }

func (drv *sqliteDriver) Conn() *sql.DB { return drv.conn }

// Advisory returns nil: SQLite has no advisory-lock facility, so callers fall
// back to the lock table.
func (drv *sqliteDriver) Advisory() driver.AdvisoryLocker { return nil }

func (drv *sqliteDriver) Target() string {
	if drv.config.Path == "" {
		return "sqlite"
	}
	return "sqlite://" + drv.config.Path
}

func (drv *sqliteDriver) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (drv *sqliteDriver) Placeholder(int) string { return "?" }

func (drv *sqliteDriver) CreateTableSQL(t *schema.Table) string {
	return driver.CreateTableDDL(drv, t)
}

func (drv *sqliteDriver) DropTableSQL(table string) string {
	return "DROP TABLE " + drv.QuoteIdent(table)
}

func (drv *sqliteDriver) AddColumnSQL(table string, col schema.Column) string {
	return driver.AddColumnDDL(drv, table, col)
}

func (drv *sqliteDriver) DropColumnSQL(table, column string) string {
	return driver.DropColumnDDL(drv, table, column)
}

// AlterColumnTypeSQL renders the generic ALTER form. SQLite itself only
// supports column alteration through a table rebuild; AlterRequiresRebuild
// escalates these migrations so SAFE mode never executes them.
func (drv *sqliteDriver) AlterColumnTypeSQL(table string, col schema.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s",
		drv.QuoteIdent(table), driver.ColumnDDL(drv, col))
}

func (drv *sqliteDriver) AlterNullabilitySQL(table string, col schema.Column) string {
	return drv.AlterColumnTypeSQL(table, col)
}

func (drv *sqliteDriver) AddConstraintSQL(table string, c schema.Constraint) string {
	return driver.AddConstraintDDL(drv, table, c)
}

func (drv *sqliteDriver) DropConstraintSQL(table, name string) string {
	return driver.DropConstraintDDL(drv, table, name)
}

func (drv *sqliteDriver) AlterRequiresRebuild() bool { return true }

// ImplicitCasts: SQLite column types are affinities, so any declared type
// accepts any value.
func (drv *sqliteDriver) ImplicitCasts() map[string][]string {
	return map[string][]string{"*": {"*"}}
}

func (drv *sqliteDriver) ListTables(ctx context.Context) ([]string, error) {
	rows, err := drv.conn.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		  WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		  ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DescribeTable reads PRAGMA table_info. Named table constraints are not
// exposed by SQLite's pragmas, so constraint drift is never reported here.
func (drv *sqliteDriver) DescribeTable(ctx context.Context, name string) (*schema.Table, error) {
	table := schema.Table{Name: name}

	rows, err := drv.conn.QueryContext(ctx,
		fmt.Sprintf(`PRAGMA table_info(%s)`, drv.QuoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			col     schema.Column
			notNull int
			def     sql.NullString
			pk      int
		)

		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &def, &pk); err != nil {
			return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
		}

		col.Nullable = notNull == 0 && pk == 0
		if def.Valid {
			d := def.String
			col.Default = &d
		}
		table.Columns = append(table.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
	}

	if len(table.Columns) == 0 {
		return nil, fmt.Errorf("failed to describe table %s: %w", name, driver.ErrUnknownTable)
	}

	return &table, nil
}

// Package postgres implements the drift driver for PostgreSQL, using the pgx
// stdlib adapter.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"

	"github.com/root-talis/drift/driver"
	"github.com/root-talis/drift/schema"
)

type Config struct {
	// DSN is used only to render a masked Target().
	DSN string
	// SchemaName scopes catalog queries. Empty means "public".
	SchemaName string
}

type pgDriver struct {
	conn     *sql.DB
	config   Config
	advisory *advisoryLocker
}

func NewDriver(conn *sql.DB, config Config) driver.Driver {
	if config.SchemaName == "" {
		config.SchemaName = "public"
	}
	return &pgDriver{
		conn:     conn,
		config:   config,
		advisory: &advisoryLocker{db: conn},
	}
}

// Open connects through the pgx stdlib adapter and wraps the connection in a
// drift driver.
func Open(dsn string, config Config) (driver.Driver, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	config.DSN = dsn
	return NewDriver(conn, config), nil
}

func (drv *pgDriver) Name() string { return "postgres" }

func (drv *pgDriver) Conn() *sql.DB { return drv.conn }

func (drv *pgDriver) Advisory() driver.AdvisoryLocker { return drv.advisory }

func (drv *pgDriver) Target() string {
	cfg, err := pgx.ParseConfig(drv.config.DSN)
	if err != nil {
		return "postgres"
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}

func (drv *pgDriver) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (drv *pgDriver) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (drv *pgDriver) CreateTableSQL(t *schema.Table) string {
	return driver.CreateTableDDL(drv, t)
}

func (drv *pgDriver) DropTableSQL(table string) string {
	return "DROP TABLE " + drv.QuoteIdent(table)
}

func (drv *pgDriver) AddColumnSQL(table string, col schema.Column) string {
	return driver.AddColumnDDL(drv, table, col)
}

func (drv *pgDriver) DropColumnSQL(table, column string) string {
	return driver.DropColumnDDL(drv, table, column)
}

func (drv *pgDriver) AlterColumnTypeSQL(table string, col schema.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s",
		drv.QuoteIdent(table), drv.QuoteIdent(col.Name), col.Type)
}

func (drv *pgDriver) AlterNullabilitySQL(table string, col schema.Column) string {
	action := "SET NOT NULL"
	if col.Nullable {
		action = "DROP NOT NULL"
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s",
		drv.QuoteIdent(table), drv.QuoteIdent(col.Name), action)
}

func (drv *pgDriver) AddConstraintSQL(table string, c schema.Constraint) string {
	return driver.AddConstraintDDL(drv, table, c)
}

func (drv *pgDriver) DropConstraintSQL(table, name string) string {
	return driver.DropConstraintDDL(drv, table, name)
}

func (drv *pgDriver) AlterRequiresRebuild() bool { return false }

// ImplicitCasts: Postgres assigns text types from varchar implicitly; other
// cross-family changes need an explicit USING clause.
func (drv *pgDriver) ImplicitCasts() map[string][]string {
	return map[string][]string{
		"varchar": {"text"},
		"char":    {"varchar", "text"},
	}
}

func (drv *pgDriver) ListTables(ctx context.Context) ([]string, error) {
	rows, err := drv.conn.QueryContext(ctx,
		`SELECT table_name
		   FROM information_schema.tables
		  WHERE table_schema = $1
		    AND table_type = 'BASE TABLE'
		  ORDER BY table_name`,
		drv.config.SchemaName)
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

func (drv *pgDriver) DescribeTable(ctx context.Context, name string) (*schema.Table, error) {
	table := schema.Table{Name: name}

	rows, err := drv.conn.QueryContext(ctx,
		`SELECT column_name, data_type, character_maximum_length, is_nullable, column_default
		   FROM information_schema.columns
		  WHERE table_schema = $1
		    AND table_name = $2
		  ORDER BY ordinal_position`,
		drv.config.SchemaName, name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col schema.Column
		var dataType, nullable string
		var maxLen sql.NullInt64
		var def sql.NullString

		if err := rows.Scan(&col.Name, &dataType, &maxLen, &nullable, &def); err != nil {
			return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
		}

		col.Type = renderType(dataType, maxLen)
		col.Nullable = strings.EqualFold(nullable, "YES")
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

	constraints, err := drv.tableConstraints(ctx, name)
	if err != nil {
		return nil, err
	}
	table.Constraints = constraints

	return &table, nil
}

// tableConstraints reads UNIQUE, CHECK and FOREIGN KEY constraints with their
// full definitions from pg_catalog.
func (drv *pgDriver) tableConstraints(ctx context.Context, table string) ([]schema.Constraint, error) {
	rows, err := drv.conn.QueryContext(ctx,
		`SELECT c.conname, pg_get_constraintdef(c.oid)
		   FROM pg_constraint c
		   JOIN pg_class t ON c.conrelid = t.oid
		   JOIN pg_namespace n ON t.relnamespace = n.oid
		  WHERE n.nspname = $1
		    AND t.relname = $2
		    AND c.contype IN ('u', 'c', 'f')
		  ORDER BY c.conname`,
		drv.config.SchemaName, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read constraints of table %s: %w", table, err)
	}
	defer rows.Close()

	var result []schema.Constraint
	for rows.Next() {
		var c schema.Constraint
		if err := rows.Scan(&c.Name, &c.Def); err != nil {
			return nil, fmt.Errorf("failed to read constraints of table %s: %w", table, err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// renderType restores length qualifiers that information_schema reports in a
// separate column, so the detector compares the same shape the desired schema
// declares.
func renderType(dataType string, maxLen sql.NullInt64) string {
	base := dataType
	switch dataType {
	case "character varying":
		base = "varchar"
	case "character":
		base = "char"
	}
	if maxLen.Valid && (base == "varchar" || base == "char") {
		return fmt.Sprintf("%s(%d)", base, maxLen.Int64)
	}
	return base
}

// advisoryLocker implements pg_try_advisory_lock over a pinned connection.
// Postgres advisory locks are session-scoped, so acquire and release must
// happen on the same connection.
type advisoryLocker struct {
	db *sql.DB

	mu   sync.Mutex
	conn *sql.Conn
}

func (l *advisoryLocker) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to pin connection for advisory lock: %w", err)
	}

	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock(%d): %w", key, err)
	}

	if !got {
		_ = conn.Close()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

func (l *advisoryLocker) AdvisoryUnlock(ctx context.Context, key int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}

	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
	closeErr := l.conn.Close()
	l.conn = nil

	if err != nil {
		return fmt.Errorf("pg_advisory_unlock(%d): %w", key, err)
	}
	return closeErr
}

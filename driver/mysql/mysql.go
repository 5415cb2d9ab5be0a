// Package mysql implements the drift driver for MySQL and MariaDB.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/root-talis/drift/driver"
	"github.com/root-talis/drift/schema"
)

type Config struct {
	// DSN is used only to render a masked Target(); the connection itself
	// is supplied by the caller.
	DSN string
	// DatabaseName scopes catalog queries. Empty means DATABASE().
	DatabaseName string
}

type mysqlDriver struct {
	conn     *sql.DB
	config   Config
	advisory *advisoryLocker
}

func NewDriver(conn *sql.DB, config Config) driver.Driver {
	return &mysqlDriver{
		conn:     conn,
		config:   config,
		advisory: &advisoryLocker{db: conn},
	}
}

func (drv *mysqlDriver) Name() string { return "mysql" }

func (drv *mysqlDriver) Conn() *sql.DB { return drv.conn }

func (drv *mysqlDriver) Advisory() driver.AdvisoryLocker { return drv.advisory }

// Target renders the connection target with the password masked. Credentials
// never reach error text or logs.
func (drv *mysqlDriver) Target() string {
	cfg, err := mysqldrv.ParseDSN(drv.config.DSN)
	if err != nil {
		return "mysql"
	}
	if cfg.Passwd != "" {
		cfg.Passwd = "****"
	}
	return "mysql://" + cfg.FormatDSN()
}

func (drv *mysqlDriver) QuoteIdent(name string) string {
	return "`" + escapeMysqlString(name) + "`"
}

func (drv *mysqlDriver) Placeholder(int) string { return "?" }

func (drv *mysqlDriver) CreateTableSQL(t *schema.Table) string {
	return driver.CreateTableDDL(drv, t)
}

func (drv *mysqlDriver) DropTableSQL(table string) string {
	return "DROP TABLE " + drv.QuoteIdent(table)
}

func (drv *mysqlDriver) AddColumnSQL(table string, col schema.Column) string {
	return driver.AddColumnDDL(drv, table, col)
}

func (drv *mysqlDriver) DropColumnSQL(table, column string) string {
	return driver.DropColumnDDL(drv, table, column)
}

func (drv *mysqlDriver) AlterColumnTypeSQL(table string, col schema.Column) string {
	return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s",
		drv.QuoteIdent(table), driver.ColumnDDL(drv, col))
}

// AlterNullabilitySQL uses MODIFY COLUMN; MySQL has no SET/DROP NOT NULL form.
func (drv *mysqlDriver) AlterNullabilitySQL(table string, col schema.Column) string {
	return drv.AlterColumnTypeSQL(table, col)
}

func (drv *mysqlDriver) AddConstraintSQL(table string, c schema.Constraint) string {
	return driver.AddConstraintDDL(drv, table, c)
}

func (drv *mysqlDriver) DropConstraintSQL(table, name string) string {
	return driver.DropConstraintDDL(drv, table, name)
}

func (drv *mysqlDriver) AlterRequiresRebuild() bool { return false }

func (drv *mysqlDriver) ImplicitCasts() map[string][]string {
	return nil
}

func (drv *mysqlDriver) ListTables(ctx context.Context) ([]string, error) {
	rows, err := drv.conn.QueryContext(ctx,
		`SELECT table_name
		   FROM information_schema.tables
		  WHERE table_schema = `+drv.schemaExpr()+`
		    AND table_type = 'BASE TABLE'
		  ORDER BY table_name`,
		drv.schemaArgs()...)
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

func (drv *mysqlDriver) DescribeTable(ctx context.Context, name string) (*schema.Table, error) {
	table := schema.Table{Name: name}

	rows, err := drv.conn.QueryContext(ctx,
		`SELECT column_name, column_type, is_nullable, column_default
		   FROM information_schema.columns
		  WHERE table_schema = `+drv.schemaExpr()+`
		    AND table_name = ?
		  ORDER BY ordinal_position`,
		append(drv.schemaArgs(), name)...)
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col schema.Column
		var nullable string
		var def sql.NullString

		if err := rows.Scan(&col.Name, &col.Type, &nullable, &def); err != nil {
			return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
		}

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

	constraints, err := drv.uniqueConstraints(ctx, name)
	if err != nil {
		return nil, err
	}
	table.Constraints = constraints

	return &table, nil
}

// uniqueConstraints reconstructs UNIQUE constraints with their column lists.
// Other constraint kinds are not introspected on MySQL.
func (drv *mysqlDriver) uniqueConstraints(ctx context.Context, table string) ([]schema.Constraint, error) {
	rows, err := drv.conn.QueryContext(ctx,
		`SELECT tc.constraint_name, kcu.column_name
		   FROM information_schema.table_constraints tc
		   JOIN information_schema.key_column_usage kcu
		     ON kcu.constraint_schema = tc.constraint_schema
		    AND kcu.constraint_name = tc.constraint_name
		    AND kcu.table_name = tc.table_name
		  WHERE tc.table_schema = `+drv.schemaExpr()+`
		    AND tc.table_name = ?
		    AND tc.constraint_type = 'UNIQUE'
		  ORDER BY tc.constraint_name, kcu.ordinal_position`,
		append(drv.schemaArgs(), table)...)
	if err != nil {
		return nil, fmt.Errorf("failed to read constraints of table %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string][]string)
	var order []string
	for rows.Next() {
		var cons, col string
		if err := rows.Scan(&cons, &col); err != nil {
			return nil, fmt.Errorf("failed to read constraints of table %s: %w", table, err)
		}
		if _, seen := columns[cons]; !seen {
			order = append(order, cons)
		}
		columns[cons] = append(columns[cons], drv.QuoteIdent(col))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read constraints of table %s: %w", table, err)
	}

	result := make([]schema.Constraint, 0, len(order))
	for _, cons := range order {
		result = append(result, schema.Constraint{
			Name: cons,
			Def:  fmt.Sprintf("UNIQUE (%s)", strings.Join(columns[cons], ", ")),
		})
	}
	return result, nil
}

func (drv *mysqlDriver) schemaExpr() string {
	if drv.config.DatabaseName == "" {
		return "DATABASE()"
	}
	return "?"
}

func (drv *mysqlDriver) schemaArgs() []any {
	if drv.config.DatabaseName == "" {
		return nil
	}
	return []any{drv.config.DatabaseName}
}

// advisoryLocker implements GET_LOCK/RELEASE_LOCK over a pinned connection.
// MySQL advisory locks are session-scoped, so acquire and release must happen
// on the same connection, not on an arbitrary pool member.
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
		return false, fmt.Errorf("failed to pin connection for GET_LOCK: %w", err)
	}

	var got sql.NullInt64
	name := lockName(key)
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, name).Scan(&got); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("GET_LOCK(%s): %w", name, err)
	}

	if !got.Valid || got.Int64 != 1 {
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

	name := lockName(key)
	_, err := l.conn.ExecContext(ctx, `SELECT RELEASE_LOCK(?)`, name)
	closeErr := l.conn.Close()
	l.conn = nil

	if err != nil {
		return fmt.Errorf("RELEASE_LOCK(%s): %w", name, err)
	}
	return closeErr
}

func lockName(key int64) string {
	return fmt.Sprintf("drift_%016x", uint64(key))
}

// originally from https://gist.github.com/siddontang/8875771
func escapeMysqlString(sql string) string { //nolint:cyclop
	const prealloc = 2
	dest := make([]rune, 0, prealloc*len(sql))

	for _, character := range sql {
		var escape rune

		switch character {
		case 0:
			escape = '0'
		case '\n':
			escape = 'n'
		case '\r':
			escape = 'r'
		case '\\':
			escape = '\\'
		case '\'':
			escape = '\''
		case '"':
			escape = '"'
		case '`':
			escape = '`'
		case '\032':
			escape = 'Z'
		}

		if escape != 0 {
			dest = append(dest, '\\', escape)
		} else {
			dest = append(dest, character)
		}
	}

	return string(dest)
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/root-talis/drift/driver"
)

// DefaultTableName is the history table used when none is configured.
const DefaultTableName = "_drift_log"

// DefinitionsTableName stores full migration definitions, keyed by
// migration id, so rollbacks outlive the plans that produced them.
const DefinitionsTableName = "_drift_migrations"

// SQLStorage keeps the history log in the migrated database. The sequence
// number is assigned in Go: the executor is the only writer and is
// serialized by the migration lock, so MAX(seq)+1 cannot race.
type SQLStorage struct {
	db      *sql.DB
	dialect driver.Dialect
	table   string
	defs    string
}

func NewSQLStorage(ctx context.Context, drv driver.Driver, table string) (*SQLStorage, error) {
	if table == "" {
		table = DefaultTableName
	}

	s := &SQLStorage{
		db:      drv.Conn(),
		dialect: drv,
		table:   table,
		defs:    DefinitionsTableName,
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
    seq          bigint NOT NULL,
    migration_id bigint NOT NULL,
    description  varchar(255) NOT NULL,
    direction    char(1) NOT NULL,
    checksum     varchar(64) NOT NULL,
    applied_at   bigint NOT NULL,
    PRIMARY KEY (seq)
)`, s.dialect.QuoteIdent(table)))
	if err != nil {
		return nil, &Error{Op: "init", Err: fmt.Errorf("failed to create table %s: %w", table, err)}
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
    migration_id  bigint NOT NULL,
    description   varchar(255) NOT NULL,
    upgrade_sql   text NOT NULL,
    downgrade_sql text NOT NULL,
    risk          varchar(16) NOT NULL,
    saved_at      bigint NOT NULL,
    PRIMARY KEY (migration_id)
)`, s.dialect.QuoteIdent(s.defs)))
	if err != nil {
		return nil, &Error{Op: "init", Err: fmt.Errorf("failed to create table %s: %w", s.defs, err)}
	}

	return s, nil
}

func (s *SQLStorage) Log(ctx context.Context) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT migration_id, description, direction, checksum, applied_at
		   FROM %s ORDER BY seq`,
		s.dialect.QuoteIdent(s.table)))
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	defer rows.Close()

	var log []LogEntry
	for rows.Next() {
		var entry LogEntry
		var direction string
		var appliedAt int64

		if err := rows.Scan(&entry.MigrationID, &entry.Description, &direction, &entry.Checksum, &appliedAt); err != nil {
			return nil, &Error{Op: "read", Err: err}
		}

		switch direction {
		case "u":
			entry.Direction = Up
		case "d":
			entry.Direction = Down
		default:
			return nil, &Error{Op: "read", Err: fmt.Errorf("direction %q is unknown", direction)}
		}

		entry.AppliedAt = time.Unix(appliedAt, 0).UTC()
		log = append(log, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	return log, nil
}

func (s *SQLStorage) Record(ctx context.Context, entry LogEntry) error {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT MAX(seq) FROM %s`, s.dialect.QuoteIdent(s.table))).Scan(&latest)
	if err != nil {
		return &Error{Op: "append", Err: err}
	}

	appliedAt := entry.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (seq, migration_id, description, direction, checksum, applied_at)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		s.dialect.QuoteIdent(s.table),
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3),
		s.dialect.Placeholder(4), s.dialect.Placeholder(5), s.dialect.Placeholder(6)),
		latest.Int64+1, entry.MigrationID, entry.Description,
		string(entry.Direction), entry.Checksum, appliedAt.UTC().Unix())
	if err != nil {
		return &Error{Op: "append", Err: err}
	}
	return nil
}

func (s *SQLStorage) Applied(ctx context.Context) ([]LogEntry, error) {
	log, err := s.Log(ctx)
	if err != nil {
		return nil, err
	}
	return Fold(log), nil
}

// SaveDefinition replaces any stored definition with the same id. The writer
// is serialized by the migration lock, so delete-then-insert cannot race.
func (s *SQLStorage) SaveDefinition(ctx context.Context, def Definition) error {
	savedAt := def.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE migration_id = %s`,
		s.dialect.QuoteIdent(s.defs), s.dialect.Placeholder(1)),
		def.MigrationID)
	if err != nil {
		return &Error{Op: "save definition", Err: err}
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (migration_id, description, upgrade_sql, downgrade_sql, risk, saved_at)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		s.dialect.QuoteIdent(s.defs),
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3),
		s.dialect.Placeholder(4), s.dialect.Placeholder(5), s.dialect.Placeholder(6)),
		def.MigrationID, def.Description, def.UpgradeSQL, def.DowngradeSQL,
		def.Risk, savedAt.UTC().Unix())
	if err != nil {
		return &Error{Op: "save definition", Err: err}
	}
	return nil
}

func (s *SQLStorage) Definition(ctx context.Context, migrationID uint64) (*Definition, error) {
	var def Definition
	var savedAt int64

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT migration_id, description, upgrade_sql, downgrade_sql, risk, saved_at
		   FROM %s WHERE migration_id = %s`,
		s.dialect.QuoteIdent(s.defs), s.dialect.Placeholder(1)),
		migrationID).
		Scan(&def.MigrationID, &def.Description, &def.UpgradeSQL, &def.DowngradeSQL, &def.Risk, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "read definition", Err: err}
	}

	def.SavedAt = time.Unix(savedAt, 0).UTC()
	return &def, nil
}

package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/root-talis/drift/driver"
)

// DefaultTableName is the checkpoint table used when none is configured.
const DefaultTableName = "_drift_checkpoints"

// SQLStore keeps checkpoint records in the migrated database itself, one row
// per attempt.
type SQLStore struct {
	db      *sql.DB
	dialect driver.Dialect
	table   string
}

func NewSQLStore(ctx context.Context, drv driver.Driver, table string) (*SQLStore, error) {
	if table == "" {
		table = DefaultTableName
	}

	s := &SQLStore{
		db:      drv.Conn(),
		dialect: drv,
		table:   table,
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
    migration_id bigint NOT NULL,
    attempt      int NOT NULL,
    status       varchar(16) NOT NULL,
    started_at   bigint NOT NULL,
    finished_at  bigint NOT NULL,
    error        varchar(2048) NOT NULL,
    PRIMARY KEY (migration_id, attempt)
)`, s.dialect.QuoteIdent(table)))
	if err != nil {
		return nil, &Error{Op: "init", Err: fmt.Errorf("failed to create table %s: %w", table, err)}
	}

	return s, nil
}

func (s *SQLStore) Write(ctx context.Context, rec Record) error {
	latest, err := s.latestAttempt(ctx, rec.MigrationID)
	if err != nil {
		return &Error{Op: "write", Err: err}
	}

	if rec.Status == StatusPending || latest == 0 {
		rec.Attempt = latest + 1
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (migration_id, attempt, status, started_at, finished_at, error)
			 VALUES (%s, %s, %s, %s, %s, %s)`,
			s.dialect.QuoteIdent(s.table),
			s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3),
			s.dialect.Placeholder(4), s.dialect.Placeholder(5), s.dialect.Placeholder(6)),
			rec.MigrationID, rec.Attempt, string(rec.Status),
			unixOrZero(rec.StartedAt), unixOrZero(rec.FinishedAt), rec.Error)
	} else {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = %s, started_at = %s, finished_at = %s, error = %s
			 WHERE migration_id = %s AND attempt = %s`,
			s.dialect.QuoteIdent(s.table),
			s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3),
			s.dialect.Placeholder(4), s.dialect.Placeholder(5), s.dialect.Placeholder(6)),
			string(rec.Status), unixOrZero(rec.StartedAt), unixOrZero(rec.FinishedAt),
			rec.Error, rec.MigrationID, latest)
	}
	if err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, migrationID uint64) (*Record, error) {
	records, err := s.readAll(ctx)
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}

	var latest *Record
	for i := range records {
		rec := records[i]
		if rec.MigrationID != migrationID {
			continue
		}
		if latest == nil || rec.Attempt > latest.Attempt {
			latest = &rec
		}
	}
	return latest, nil
}

func (s *SQLStore) ListIncomplete(ctx context.Context) ([]Record, error) {
	records, err := s.readAll(ctx)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}

	latest := make(map[uint64]Record)
	for _, rec := range records {
		if cur, ok := latest[rec.MigrationID]; !ok || rec.Attempt > cur.Attempt {
			latest[rec.MigrationID] = rec
		}
	}

	var incomplete []Record
	for _, rec := range latest {
		if !rec.Status.Settled() {
			incomplete = append(incomplete, rec)
		}
	}
	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].MigrationID < incomplete[j].MigrationID
	})
	return incomplete, nil
}

func (s *SQLStore) latestAttempt(ctx context.Context, migrationID uint64) (int, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT MAX(attempt) FROM %s WHERE migration_id = %s`,
		s.dialect.QuoteIdent(s.table), s.dialect.Placeholder(1)),
		migrationID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to find latest attempt: %w", err)
	}
	return int(latest.Int64), nil
}

func (s *SQLStore) readAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT migration_id, attempt, status, started_at, finished_at, error
		   FROM %s ORDER BY migration_id, attempt`,
		s.dialect.QuoteIdent(s.table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var status string
		var startedAt, finishedAt int64

		if err := rows.Scan(&rec.MigrationID, &rec.Attempt, &status, &startedAt, &finishedAt, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to read checkpoints: %w", err)
		}

		rec.Status = Status(status)
		rec.StartedAt = timeOrZero(startedAt)
		rec.FinishedAt = timeOrZero(finishedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

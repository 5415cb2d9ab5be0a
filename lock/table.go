package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/root-talis/drift/driver"
)

// DefaultTableName is the lock table used when none is configured. The
// "_drift" prefix keeps engine-internal tables out of drift detection.
const DefaultTableName = "_drift_lock"

const defaultTTL = 60 * time.Second

// Record is the row held in the lock table while a migration run is in
// progress.
type Record struct {
	Name       string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

type TableConfig struct {
	// Name of the lock, shared across every process migrating the same
	// deployment.
	Name string
	// Table holding lock rows. Defaults to DefaultTableName.
	Table string
	// TTL after which an un-renewed lock counts as abandoned and may be
	// taken over. Defaults to 60s. Held locks renew at TTL/3.
	TTL time.Duration
	// Holder identity. Defaults to a random UUID per lock instance.
	Holder string
}

// TableLock is the fallback for engines without advisory locks: a single row
// keyed by lock name, claimed with atomic conditional writes and kept alive
// by periodic renewal while held. A crashed holder stops renewing, its row
// expires and a later holder takes the lock over.
type TableLock struct {
	db      *sql.DB
	dialect driver.Dialect
	config  TableConfig
	logger  *slog.Logger

	mu        sync.Mutex
	depth     int
	stopRenew context.CancelFunc
	renewDone chan struct{}

	// now is a test seam.
	now func() time.Time
}

func NewTableLock(drv driver.Driver, config TableConfig, logger *slog.Logger) (*TableLock, error) {
	if err := ValidateName(config.Name); err != nil {
		return nil, err
	}
	if config.Table == "" {
		config.Table = DefaultTableName
	}
	if config.TTL <= 0 {
		config.TTL = defaultTTL
	}
	if config.Holder == "" {
		config.Holder = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TableLock{
		db:      drv.Conn(),
		dialect: drv,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (l *TableLock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth > 0 {
		l.depth++
		return true, nil
	}

	if err := l.ensureTable(ctx); err != nil {
		return false, err
	}

	got, err := poll(ctx, timeout, l.tryOnce)
	if err != nil || !got {
		return false, err
	}

	l.depth = 1
	l.startRenewal()
	l.logger.Debug("table lock acquired",
		"lock", l.config.Name, "holder", l.config.Holder)
	return true, nil
}

func (l *TableLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		return ErrNotHeld
	}

	l.depth--
	if l.depth > 0 {
		return nil
	}

	l.stopRenew()
	<-l.renewDone

	_, err := l.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE name = %s AND holder = %s`,
		l.table(), l.ph(1), l.ph(2)),
		l.config.Name, l.config.Holder)
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", l.config.Name, err)
	}

	l.logger.Debug("table lock released",
		"lock", l.config.Name, "holder", l.config.Holder)
	return nil
}

// readRow fetches the current lock row as a Record, or nil when nobody holds
// the lock.
func (l *TableLock) readRow(ctx context.Context) (*Record, error) {
	rec := Record{Name: l.config.Name}
	var acquiredAt, expiresAt int64
	err := l.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT holder, acquired_at, expires_at FROM %s WHERE name = %s`,
		l.table(), l.ph(1)),
		l.config.Name).Scan(&rec.Holder, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect lock %q: %w", l.config.Name, err)
	}
	rec.AcquiredAt = time.Unix(acquiredAt, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &rec, nil
}

// tryOnce makes one claim attempt: reap an expired row, then insert ours.
// Both writes are conditional, so two concurrent claimants cannot both win.
func (l *TableLock) tryOnce(ctx context.Context) (bool, error) {
	now := l.now().UTC().Unix()

	row, err := l.readRow(ctx)
	switch {
	case err != nil:
		return false, err

	case row == nil:
		// fall through to insert

	case row.Holder == l.config.Holder:
		// Same holder identity reclaiming its own row.
		return l.renewRow(ctx)

	case row.ExpiresAt.Unix() >= now:
		return false, nil // live contention

	default:
		// Abandoned by a crashed holder: force-release, conditioned on the
		// exact row we inspected so a concurrent reaper cannot race us.
		res, err := l.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE name = %s AND holder = %s AND expires_at = %s`,
			l.table(), l.ph(1), l.ph(2), l.ph(3)),
			l.config.Name, row.Holder, row.ExpiresAt.Unix())
		if err != nil {
			return false, fmt.Errorf("failed to reap abandoned lock %q: %w", l.config.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}
		l.logger.Warn("took over abandoned lock",
			"lock", l.config.Name,
			"previous_holder", row.Holder,
			"expired_at", row.ExpiresAt)
	}

	_, err = l.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (name, holder, acquired_at, expires_at) VALUES (%s, %s, %s, %s)`,
		l.table(), l.ph(1), l.ph(2), l.ph(3), l.ph(4)),
		l.config.Name, l.config.Holder, now, now+int64(l.config.TTL.Seconds()))
	if err != nil {
		// Most likely a concurrent insert won the primary key; report
		// contention if a row exists now, otherwise surface the failure.
		var count int
		checkErr := l.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM %s WHERE name = %s`,
			l.table(), l.ph(1)),
			l.config.Name).Scan(&count)
		if checkErr == nil && count > 0 {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim lock %q: %w", l.config.Name, err)
	}

	return true, nil
}

// renewRow pushes the row's expiry forward; affected-row count tells us
// whether we still own it.
func (l *TableLock) renewRow(ctx context.Context) (bool, error) {
	expires := l.now().UTC().Unix() + int64(l.config.TTL.Seconds())
	res, err := l.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET expires_at = %s WHERE name = %s AND holder = %s`,
		l.table(), l.ph(1), l.ph(2), l.ph(3)),
		expires, l.config.Name, l.config.Holder)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %q: %w", l.config.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %q: %w", l.config.Name, err)
	}
	return n > 0, nil
}

// startRenewal keeps the row alive at TTL/3 while the lock is held, so a
// long-running migration never loses its lock to the expiry reaper.
func (l *TableLock) startRenewal() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.stopRenew = cancel
	l.renewDone = done

	interval := l.config.TTL / 3
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.renewRow(ctx)
				if err != nil {
					l.logger.Error("lock renewal failed",
						"lock", l.config.Name, "error", err)
					continue
				}
				if !ok {
					l.logger.Error("lock row disappeared while held; another holder may have taken over",
						"lock", l.config.Name, "holder", l.config.Holder)
				}
			}
		}
	}()
}

func (l *TableLock) ensureTable(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
    name        varchar(64) NOT NULL,
    holder      varchar(64) NOT NULL,
    acquired_at bigint NOT NULL,
    expires_at  bigint NOT NULL,
    PRIMARY KEY (name)
)`, l.table()))
	if err != nil {
		return fmt.Errorf("failed to create lock table %s: %w", l.config.Table, err)
	}
	return nil
}

func (l *TableLock) table() string {
	return l.dialect.QuoteIdent(l.config.Table)
}

func (l *TableLock) ph(n int) string {
	return l.dialect.Placeholder(n)
}

package lock_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/drift/driver"
	"github.com/root-talis/drift/driver/sqlite"
	"github.com/root-talis/drift/lock"
)

var validateNameTestTable = []struct { // nolint:gochecknoglobals
	name     string
	lockName string
	valid    bool
}{
	/* s0 */ {name: "test s0: plain name", lockName: "drift_migrations", valid: true},
	/* s1 */ {name: "test s1: dots and dashes", lockName: "svc.orders-v2", valid: true},
	/* s2 */ {name: "test s2: single character", lockName: "a", valid: true},

	/* e0 */ {name: "test e0: empty name", lockName: "", valid: false},
	/* e1 */ {name: "test e1: whitespace", lockName: "my lock", valid: false},
	/* e2 */ {name: "test e2: quote injection", lockName: `x') OR ('1`, valid: false},
	/* e3 */ {name: "test e3: over 64 characters", lockName: "a123456789b123456789c123456789d123456789e123456789f123456789g1234", valid: false},
}

func TestValidateName(t *testing.T) {
	t.Parallel()
	t.Logf("Should reject lock names unsafe to pass into native lock calls.")

	for _, test := range validateNameTestTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			err := lock.ValidateName(test.lockName)
			if test.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, lock.ErrUnsafeName)
			}
		})
	}
}

// -- testing double for the advisory locker ----------

type advisoryLockerMock struct {
	mu     sync.Mutex
	heldBy map[int64]bool
}

func newAdvisoryLockerMock() *advisoryLockerMock {
	return &advisoryLockerMock{heldBy: make(map[int64]bool)}
}

func (m *advisoryLockerMock) TryAdvisoryLock(_ context.Context, key int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heldBy[key] {
		return false, nil
	}
	m.heldBy[key] = true
	return true, nil
}

func (m *advisoryLockerMock) AdvisoryUnlock(_ context.Context, key int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.heldBy, key)
	return nil
}

func TestAdvisoryRejectsUnsafeNames(t *testing.T) {
	t.Parallel()

	_, err := lock.NewAdvisory(newAdvisoryLockerMock(), "bad name", nil)
	assert.ErrorIs(t, err, lock.ErrUnsafeName)
}

func TestAdvisoryMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locker := newAdvisoryLockerMock()

	first, err := lock.NewAdvisory(locker, "migrations", nil)
	require.NoError(t, err)
	second, err := lock.NewAdvisory(locker, "migrations", nil)
	require.NoError(t, err)

	got, err := first.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)

	// contended: a zero timeout makes exactly one attempt
	got, err = second.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, first.Release(ctx))

	got, err = second.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got)
	require.NoError(t, second.Release(ctx))
}

func TestAdvisoryDifferentNamesDoNotContend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locker := newAdvisoryLockerMock()

	first, err := lock.NewAdvisory(locker, "migrations.orders", nil)
	require.NoError(t, err)
	second, err := lock.NewAdvisory(locker, "migrations.billing", nil)
	require.NoError(t, err)

	got, err := first.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)

	got, err = second.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Release(ctx))
}

func TestAdvisoryIsReentrant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locker := newAdvisoryLockerMock()

	l, err := lock.NewAdvisory(locker, "migrations", nil)
	require.NoError(t, err)
	contender, err := lock.NewAdvisory(locker, "migrations", nil)
	require.NoError(t, err)

	got, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)

	got, err = l.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)

	// one release per acquire: still held after the first
	require.NoError(t, l.Release(ctx))
	got, err = contender.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, l.Release(ctx))
	got, err = contender.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got)
	require.NoError(t, contender.Release(ctx))
}

func TestAdvisoryReleaseWithoutAcquire(t *testing.T) {
	t.Parallel()

	l, err := lock.NewAdvisory(newAdvisoryLockerMock(), "migrations", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Release(context.Background()), lock.ErrNotHeld)
}

func TestAdvisoryAcquireWaitsOutContention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locker := newAdvisoryLockerMock()

	first, err := lock.NewAdvisory(locker, "migrations", nil)
	require.NoError(t, err)
	second, err := lock.NewAdvisory(locker, "migrations", nil)
	require.NoError(t, err)

	got, err := first.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = first.Release(context.Background())
	}()

	// polls with backoff until the other holder lets go
	got, err = second.Acquire(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, got)
	require.NoError(t, second.Release(ctx))
}

func TestAdvisoryAcquireReportsCallerCancellation(t *testing.T) {
	t.Parallel()
	t.Logf("A canceled context should surface as an error, not as contention.")
	locker := newAdvisoryLockerMock()

	first, err := lock.NewAdvisory(locker, "migrations", nil)
	require.NoError(t, err)
	second, err := lock.NewAdvisory(locker, "migrations", nil)
	require.NoError(t, err)

	got, err := first.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, got)
	defer func() { _ = first.Release(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	got, err = second.Acquire(ctx, 5*time.Second)
	assert.False(t, got)
	assert.ErrorIs(t, err, context.Canceled)
}

// -- table lock, backed by a real sqlite file ----------

func newSqliteDriver(t *testing.T) driver.Driver {
	t.Helper()
	drv, err := sqlite.Open(filepath.Join(t.TempDir(), "lock_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Conn().Close() })
	return drv
}

func TestTableLockMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := newSqliteDriver(t)

	first, err := lock.NewTableLock(drv, lock.TableConfig{Name: "migrations"}, nil)
	require.NoError(t, err)
	second, err := lock.NewTableLock(drv, lock.TableConfig{Name: "migrations"}, nil)
	require.NoError(t, err)

	got, err := first.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)

	got, err = second.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, first.Release(ctx))

	got, err = second.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got)
	require.NoError(t, second.Release(ctx))
}

func TestTableLockDifferentNamesDoNotContend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := newSqliteDriver(t)

	first, err := lock.NewTableLock(drv, lock.TableConfig{Name: "orders"}, nil)
	require.NoError(t, err)
	second, err := lock.NewTableLock(drv, lock.TableConfig{Name: "billing"}, nil)
	require.NoError(t, err)

	got, err := first.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)

	got, err = second.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Release(ctx))
}

func TestTableLockIsReentrant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := newSqliteDriver(t)

	l, err := lock.NewTableLock(drv, lock.TableConfig{Name: "migrations"}, nil)
	require.NoError(t, err)
	contender, err := lock.NewTableLock(drv, lock.TableConfig{Name: "migrations"}, nil)
	require.NoError(t, err)

	got, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)
	got, err = l.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)

	require.NoError(t, l.Release(ctx))

	// still held after the first release
	got, err = contender.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, l.Release(ctx))

	got, err = contender.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got)
	require.NoError(t, contender.Release(ctx))
}

func TestTableLockSameHolderReclaimsItsRow(t *testing.T) {
	t.Parallel()
	t.Logf("A restarted process with the same holder identity should reclaim its own row.")
	ctx := context.Background()
	drv := newSqliteDriver(t)

	first, err := lock.NewTableLock(drv, lock.TableConfig{Name: "migrations", Holder: "host-a"}, nil)
	require.NoError(t, err)
	restarted, err := lock.NewTableLock(drv, lock.TableConfig{Name: "migrations", Holder: "host-a"}, nil)
	require.NoError(t, err)

	got, err := first.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)

	got, err = restarted.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, restarted.Release(ctx))
}

func TestTableLockTakesOverAbandonedLock(t *testing.T) {
	t.Parallel()
	t.Logf("An expired, un-renewed lock row should be force-released and claimed.")
	ctx := context.Background()
	drv := newSqliteDriver(t)

	l, err := lock.NewTableLock(drv, lock.TableConfig{Name: "migrations"}, nil)
	require.NoError(t, err)

	// first acquisition creates the lock table; release it again so we can
	// plant an abandoned row
	got, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)
	require.NoError(t, l.Release(ctx))

	expired := time.Now().Add(-time.Minute).UTC().Unix()
	_, err = drv.Conn().ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		drv.QuoteIdent(lock.DefaultTableName)),
		"migrations", "crashed-holder", expired-60, expired)
	require.NoError(t, err)

	got, err = l.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got)
	require.NoError(t, l.Release(ctx))
}

func TestTableLockLiveRowIsNotTakenOver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drv := newSqliteDriver(t)

	l, err := lock.NewTableLock(drv, lock.TableConfig{Name: "migrations"}, nil)
	require.NoError(t, err)

	got, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, got)
	require.NoError(t, l.Release(ctx))

	live := time.Now().Add(time.Minute).UTC().Unix()
	_, err = drv.Conn().ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		drv.QuoteIdent(lock.DefaultTableName)),
		"migrations", "other-holder", live-60, live)
	require.NoError(t, err)

	got, err = l.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestTableLockReleaseWithoutAcquire(t *testing.T) {
	t.Parallel()
	drv := newSqliteDriver(t)

	l, err := lock.NewTableLock(drv, lock.TableConfig{Name: "migrations"}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Release(context.Background()), lock.ErrNotHeld)
}

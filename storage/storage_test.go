package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/drift/driver/sqlite"
	"github.com/root-talis/drift/storage"
)

func up(id uint64) storage.LogEntry {
	return storage.LogEntry{MigrationID: id, Direction: storage.Up}
}

func down(id uint64) storage.LogEntry {
	return storage.LogEntry{MigrationID: id, Direction: storage.Down}
}

func ids(entries []storage.LogEntry) []uint64 {
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.MigrationID)
	}
	return out
}

var foldTestTable = []struct { // nolint:gochecknoglobals
	name     string
	log      []storage.LogEntry
	expected []uint64
}{
	/* s0 */ {
		name:     "test s0: empty log folds to nothing",
		log:      nil,
		expected: nil,
	},
	/* s1 */ {
		name:     "test s1: upgrades accumulate in order",
		log:      []storage.LogEntry{up(1), up(2), up(3)},
		expected: []uint64{1, 2, 3},
	},
	/* s2 */ {
		name:     "test s2: a downgrade removes its migration",
		log:      []storage.LogEntry{up(1), up(2), down(2)},
		expected: []uint64{1},
	},
	/* s3 */ {
		name:     "test s3: re-applying after a downgrade counts as applied",
		log:      []storage.LogEntry{up(1), down(1), up(1)},
		expected: []uint64{1},
	},
	/* s4 */ {
		name:     "test s4: downgrade in the middle keeps later migrations",
		log:      []storage.LogEntry{up(1), up(2), up(3), down(2)},
		expected: []uint64{1, 3},
	},
	/* s5 */ {
		name:     "test s5: downgrade without a matching upgrade is ignored",
		log:      []storage.LogEntry{down(9), up(1)},
		expected: []uint64{1},
	},
	/* s6 */ {
		name:     "test s6: everything rolled back folds to nothing",
		log:      []storage.LogEntry{up(1), up(2), down(2), down(1)},
		expected: nil,
	},
}

func TestFold(t *testing.T) {
	t.Parallel()
	t.Logf("Should reduce the append-only log to the currently-applied set.")

	for _, test := range foldTestTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			applied := storage.Fold(test.log)

			if test.expected == nil {
				assert.Empty(t, applied)
			} else {
				assert.Equal(t, test.expected, ids(applied))
			}
		})
	}
}

func TestChecksumIsStable(t *testing.T) {
	t.Parallel()

	a := storage.Checksum("CREATE TABLE users (id bigint)")
	b := storage.Checksum("CREATE TABLE users (id bigint)")
	c := storage.Checksum("CREATE TABLE users (id int)")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func newSQLStorage(t *testing.T) *storage.SQLStorage {
	t.Helper()
	drv, err := sqlite.Open(filepath.Join(t.TempDir(), "storage_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Conn().Close() })

	s, err := storage.NewSQLStorage(context.Background(), drv, "")
	require.NoError(t, err)
	return s
}

func TestSQLStorageAppendsAndReadsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLStorage(t)

	appliedAt := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(ctx, storage.LogEntry{
		MigrationID: 20260827100000001,
		Description: "ADD_TABLE users",
		Direction:   storage.Up,
		Checksum:    storage.Checksum("CREATE TABLE users (id bigint)"),
		AppliedAt:   appliedAt,
	}))
	require.NoError(t, s.Record(ctx, storage.LogEntry{
		MigrationID: 20260827100000002,
		Description: "ADD_COLUMN users.email",
		Direction:   storage.Up,
		Checksum:    storage.Checksum("ALTER TABLE users ADD COLUMN email varchar(255)"),
	}))

	log, err := s.Log(ctx)
	require.NoError(t, err)
	require.Len(t, log, 2)

	assert.Equal(t, uint64(20260827100000001), log[0].MigrationID)
	assert.Equal(t, "ADD_TABLE users", log[0].Description)
	assert.Equal(t, storage.Up, log[0].Direction)
	assert.Equal(t, appliedAt, log[0].AppliedAt)
	assert.Equal(t, uint64(20260827100000002), log[1].MigrationID)
}

func TestSQLStorageAppliedFoldsTheLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLStorage(t)

	require.NoError(t, s.Record(ctx, storage.LogEntry{MigrationID: 1, Description: "a", Direction: storage.Up}))
	require.NoError(t, s.Record(ctx, storage.LogEntry{MigrationID: 2, Description: "b", Direction: storage.Up}))
	require.NoError(t, s.Record(ctx, storage.LogEntry{MigrationID: 2, Description: "b", Direction: storage.Down}))

	applied, err := s.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, uint64(1), applied[0].MigrationID)
}

func TestSQLStorageDefinitionRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLStorage(t)

	def := storage.Definition{
		MigrationID:  20260827100000001,
		Description:  "ADD_TABLE users",
		UpgradeSQL:   "CREATE TABLE users (id bigint)",
		DowngradeSQL: "DROP TABLE users",
		Risk:         "SAFE",
	}
	require.NoError(t, s.SaveDefinition(ctx, def))

	got, err := s.Definition(ctx, def.MigrationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, def.Description, got.Description)
	assert.Equal(t, def.UpgradeSQL, got.UpgradeSQL)
	assert.Equal(t, def.DowngradeSQL, got.DowngradeSQL)
	assert.Equal(t, def.Risk, got.Risk)
	assert.False(t, got.SavedAt.IsZero())
}

func TestSQLStorageDefinitionReplacesPrevious(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLStorage(t)

	require.NoError(t, s.SaveDefinition(ctx, storage.Definition{
		MigrationID: 1, Description: "old", UpgradeSQL: "SELECT 1", DowngradeSQL: "", Risk: "SAFE",
	}))
	require.NoError(t, s.SaveDefinition(ctx, storage.Definition{
		MigrationID: 1, Description: "new", UpgradeSQL: "SELECT 2", DowngradeSQL: "", Risk: "LOW",
	}))

	got, err := s.Definition(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Description)
	assert.Equal(t, "SELECT 2", got.UpgradeSQL)
}

func TestSQLStorageDefinitionMissing(t *testing.T) {
	t.Parallel()
	s := newSQLStorage(t)

	got, err := s.Definition(context.Background(), 404)
	require.NoError(t, err)
	assert.Nil(t, got)
}

package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTempDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := New(Config{Path: filepath.Join(dir, "canopy.db"), Profile: ProfileStandard, Name: "canopy"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBuildConnectionString(t *testing.T) {
	ledger := buildConnectionString("/tmp/x.db", ProfileLedger)
	assert.True(t, strings.HasPrefix(ledger, "/tmp/x.db?_pragma=journal_mode(WAL)&_pragma="))
	assert.Contains(t, ledger, "synchronous(FULL)")
	assert.Contains(t, ledger, "busy_timeout(5000)")

	standard := buildConnectionString("/tmp/x.db", ProfileStandard)
	assert.Contains(t, standard, "synchronous(NORMAL)")
	assert.NotContains(t, standard, "synchronous(FULL)")
}

func TestNew_DefaultsToStandardProfile(t *testing.T) {
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "nested", "canopy.db"), Name: "canopy"})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, ProfileStandard, db.Profile())
	assert.True(t, filepath.IsAbs(db.Path()))
}

func TestMigrate_CreatesTablesAndIsIdempotent(t *testing.T) {
	db := newTempDB(t)

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())

	for _, table := range []string{"cycle_log", "overrides", "device_health", "alerts", "heartbeat", "startups", "model_accuracy", "settings", "forecast_cache", "actuator_commands"} {
		var name string
		err := db.Conn().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTempDB(t)
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO settings (key, value, updated_at) VALUES ('k', 'v', 0)")
		require.NoError(t, err)
		return assert.AnError
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM settings").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTransaction_RecoversPanic(t *testing.T) {
	db := newTempDB(t)

	err := WithTransaction(db.Conn(), func(*sql.Tx) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
}

func TestChecks(t *testing.T) {
	db := newTempDB(t)
	require.NoError(t, db.Migrate())
	ctx := context.Background()

	assert.NoError(t, db.QuickCheck(ctx))
	assert.NoError(t, db.IntegrityCheck(ctx))
	assert.NoError(t, db.WALCheckpoint(ctx))

	require.NoError(t, db.Close())
	assert.Error(t, db.QuickCheck(ctx))
	assert.Error(t, db.IntegrityCheck(ctx))
}

func TestStats(t *testing.T) {
	db := newTempDB(t)
	require.NoError(t, db.Migrate())

	st, err := db.Stats(context.Background())
	require.NoError(t, err)
	assert.Greater(t, st.SizeBytes, int64(0))
	assert.Greater(t, st.PageCount, int64(0))
	assert.Greater(t, st.PageSize, int64(0))
}

func TestVacuumInto(t *testing.T) {
	db := newTempDB(t)
	require.NoError(t, db.Migrate())

	target := filepath.Join(t.TempDir(), "backup", "copy.db")
	require.NoError(t, db.VacuumInto(context.Background(), target))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

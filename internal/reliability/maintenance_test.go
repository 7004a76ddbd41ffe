package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/canopy/internal/domain"
	testutil "github.com/aristath/canopy/internal/testing"
)

func insertCycle(t *testing.T, exec func(string, ...interface{}) error, id string, at time.Time) {
	t.Helper()
	require.NoError(t, exec(`
		INSERT INTO cycle_log (id, started_at, completed_at, state_json, decisions_json)
		VALUES (?, ?, ?, '{}', '[]')
	`, id, at.Unix(), at.Unix()))
}

func TestMaintenanceJob_PrunesAndWarnsOnLowDisk(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "canopy")
	defer cleanup()

	exec := func(q string, args ...interface{}) error {
		_, err := db.Conn().Exec(q, args...)
		return err
	}
	insertCycle(t, exec, "old", testutil.FixedNow.AddDate(0, 0, -120))
	insertCycle(t, exec, "recent", testutil.FixedNow.Add(-time.Hour))

	sink := testutil.NewMockAlertSink()
	store := newMemStore()
	backup := NewBackupService(db, store, t.TempDir(), 30, zerolog.Nop())

	job := NewMaintenanceJob(MaintenanceConfig{DataDir: t.TempDir(), RetainDays: 90}, db, backup, sink, zerolog.Nop())
	job.now = func() time.Time { return testutil.FixedNow }
	job.diskUsage = func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 100 << 20, UsedPercent: 99}, nil
	}

	require.NoError(t, job.Run())
	assert.Equal(t, "maintenance", job.Name())

	var ids []string
	rows, err := db.Conn().Query("SELECT id FROM cycle_log")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"recent"}, ids)

	alerts := sink.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityAlert, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "low disk space")

	assert.Len(t, store.keys(), 1, "backup uploaded")
}

func TestMaintenanceJob_DiskErrorIsNotFatal(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "canopy")
	defer cleanup()

	job := NewMaintenanceJob(MaintenanceConfig{}, db, nil, nil, zerolog.Nop())
	job.diskUsage = func(context.Context, string) (*disk.UsageStat, error) {
		return nil, errors.New("no such device")
	}
	assert.NoError(t, job.Run())
}

package reliability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/canopy/internal/database"
	"github.com/aristath/canopy/internal/domain"
)

// DiskUsageFunc reports filesystem usage for a path.
type DiskUsageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

// MaintenanceConfig configures the nightly maintenance job.
type MaintenanceConfig struct {
	DataDir string
	// RetainDays bounds the cycle log and command history. Zero keeps all.
	RetainDays   int
	MinFreeBytes uint64
	Timeout      time.Duration
}

// MaintenanceJob checkpoints and checks the database, prunes history, watches
// disk space and runs the off-site backup when one is configured.
type MaintenanceJob struct {
	cfg       MaintenanceConfig
	db        *database.DB
	backup    *BackupService
	alerts    domain.AlertSink
	diskUsage DiskUsageFunc
	now       func() time.Time
	log       zerolog.Logger
}

// NewMaintenanceJob creates the job. backup and alerts may be nil.
func NewMaintenanceJob(cfg MaintenanceConfig, db *database.DB, backup *BackupService, alerts domain.AlertSink, log zerolog.Logger) *MaintenanceJob {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = 500 << 20
	}
	return &MaintenanceJob{
		cfg:       cfg,
		db:        db,
		backup:    backup,
		alerts:    alerts,
		diskUsage: disk.UsageWithContext,
		now:       time.Now,
		log:       log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name for the scheduler
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes the maintenance steps. Only an integrity failure or a failed
// backup is returned; the rest is logged.
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()

	j.log.Info().Msg("Starting maintenance")
	start := time.Now()

	if err := j.db.IntegrityCheck(ctx); err != nil {
		j.notify(ctx, fmt.Sprintf("database integrity check failed: %v", err), domain.SeverityCritical)
		return fmt.Errorf("integrity check failed: %w", err)
	}

	if err := j.db.WALCheckpoint(ctx); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if j.cfg.RetainDays > 0 {
		pruned, err := j.prune(ctx)
		if err != nil {
			j.log.Warn().Err(err).Msg("Failed to prune history")
		} else if pruned > 0 {
			j.log.Info().Int64("rows", pruned).Msg("Pruned old history")
		}
	}

	j.checkDiskSpace(ctx)

	if j.backup != nil {
		if _, err := j.backup.CreateAndUpload(ctx); err != nil {
			j.notify(ctx, fmt.Sprintf("database backup failed: %v", err), domain.SeverityWarning)
			return fmt.Errorf("backup failed: %w", err)
		}
		if _, err := j.backup.RotateOldBackups(ctx); err != nil {
			j.log.Warn().Err(err).Msg("Backup rotation failed")
		}
	}

	j.log.Info().Dur("duration_ms", time.Since(start)).Msg("Maintenance completed")
	return nil
}

func (j *MaintenanceJob) prune(ctx context.Context) (int64, error) {
	cutoff := j.now().AddDate(0, 0, -j.cfg.RetainDays).Unix()
	var total int64
	err := database.WithTransaction(j.db.Conn(), func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM cycle_log WHERE started_at < ?",
			"DELETE FROM actuator_commands WHERE created_at < ?",
			"DELETE FROM model_accuracy WHERE target_at < ?",
		} {
			res, err := tx.ExecContext(ctx, q, cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

func (j *MaintenanceJob) checkDiskSpace(ctx context.Context) {
	path := j.cfg.DataDir
	if path == "" {
		path = "."
	}
	usage, err := j.diskUsage(ctx, path)
	if err != nil {
		j.log.Warn().Err(err).Str("path", path).Msg("Failed to read disk usage")
		return
	}
	j.log.Debug().
		Uint64("free_bytes", usage.Free).
		Float64("used_percent", usage.UsedPercent).
		Msg("Disk space check")
	if usage.Free < j.cfg.MinFreeBytes {
		j.notify(ctx, fmt.Sprintf("low disk space on %s: %d MB free", path, usage.Free>>20), domain.SeverityAlert)
	}
}

func (j *MaintenanceJob) notify(ctx context.Context, msg string, sev domain.Severity) {
	j.log.Error().Str("severity", string(sev)).Msg(msg)
	if j.alerts == nil {
		return
	}
	if err := j.alerts.Notify(ctx, "maintenance", msg, sev); err != nil {
		j.log.Error().Err(err).Msg("Failed to deliver maintenance alert")
	}
}

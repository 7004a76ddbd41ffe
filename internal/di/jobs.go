package di

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/config"
	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/reliability"
	"github.com/aristath/canopy/internal/scheduler"
)

// accuracyWindow is the period the hourly accuracy report covers.
const accuracyWindow = time.Hour

// RegisterJobs creates the scheduled jobs.
// Returns JobInstances for scheduling and manual triggering via API.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}

	instances := &JobInstances{}

	// ==========================================
	// Job 1: Control cycle
	// ==========================================
	var indoor []scheduler.IndoorSource
	if container.PushCache != nil {
		indoor = append(indoor, scheduler.IndoorSource{Name: domain.SourcePush, Sensor: container.PushCache})
	}
	if container.IndoorCloud != nil {
		indoor = append(indoor, scheduler.IndoorSource{Name: domain.SourceLive, Sensor: container.IndoorCloud})
	}

	instances.ControlCycle = scheduler.NewControlCycleJob(scheduler.ControlCycleConfig{
		Log:       log,
		Interval:  cfg.CycleInterval,
		Retry:     container.RetryFallback,
		Corrector: container.Corrector,
		Model:     container.Model,
		Engine:    container.Engine,
		Overrides: container.OverrideManager,
		CycleLog:  container.CycleLog,
		Settings:  container.SettingsService,
		Alerts:    container.AlertSink,
		Events:    container.EventManager,
		Indoor:    indoor,
		Station:   container.Station,
		Actuators: container.Actuators,
	})

	// ==========================================
	// Job 2: Model accuracy report
	// ==========================================
	instances.AccuracyReport = scheduler.NewAccuracyReportJob(container.CycleLog, container.AlertSink,
		accuracyWindow, cfg.Site.Alerts.ModelRMSEF, log)

	// ==========================================
	// Job 3: Maintenance (pruning, disk check, backup)
	// ==========================================
	instances.Maintenance = reliability.NewMaintenanceJob(reliability.MaintenanceConfig{
		DataDir:      cfg.DataDir,
		RetainDays:   cfg.Maintenance.RetainDays,
		MinFreeBytes: cfg.Maintenance.MinFreeBytes,
		Timeout:      30 * time.Minute,
	}, container.DB, container.BackupService, container.AlertSink, log)

	log.Info().Int("count", len(instances.All())).Msg("Jobs registered")
	return instances, nil
}

// ScheduleJobs adds the jobs to the scheduler. The control cycle runs on
// the cycle interval, accuracy is reported hourly and maintenance runs on
// the backup schedule.
func ScheduleJobs(s *scheduler.Scheduler, jobs *JobInstances, cfg *config.Config) error {
	minutes := int(cfg.CycleInterval / time.Minute)
	if err := s.AddJob(scheduler.EverySchedule(minutes), jobs.ControlCycle); err != nil {
		return err
	}
	if err := s.AddJob("@hourly", jobs.AccuracyReport); err != nil {
		return err
	}
	return s.AddJob(cfg.Backup.Schedule, jobs.Maintenance)
}

// Package main is the entry point for canopy, the predictive greenhouse
// climate controller.
//
// Every cycle the controller reads the indoor sensor, the outdoor station
// and the actuators, bias-corrects the weather forecast, simulates the
// greenhouse under candidate actuator plans and commands shades,
// ventilation and HVAC before the temperature leaves its band.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/canopy/internal/config"
	"github.com/aristath/canopy/internal/di"
	alertshandlers "github.com/aristath/canopy/internal/modules/alerts/handlers"
	cycleloghandlers "github.com/aristath/canopy/internal/modules/cyclelog/handlers"
	overrideshandlers "github.com/aristath/canopy/internal/modules/overrides/handlers"
	settingshandlers "github.com/aristath/canopy/internal/modules/settings/handlers"
	"github.com/aristath/canopy/internal/scheduler"
	"github.com/aristath/canopy/internal/server"
	"github.com/aristath/canopy/internal/telemetry"
	"github.com/aristath/canopy/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// main orchestrates startup:
// 1. Loads configuration from the environment and the site file
// 2. Initializes logging and telemetry
// 3. Wires all dependencies via the DI container
// 4. Restores device health, the forecast cache and the actuator state
// 5. Runs a first cycle immediately and starts the scheduler
// 6. Starts the HTTP server
// 7. Waits for a shutdown signal and shuts down gracefully
func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("version", version).
		Str("site", cfg.Site.Name).
		Dur("cycle_interval", cfg.CycleInterval).
		Msg("Starting canopy")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: "canopy",
		Version:     version,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Telemetry disabled")
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	// Wire all dependencies: database, repositories, devices, services, jobs
	container, jobs, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Restore state before the first cycle so it does not start from the
	// safe state when the actuators were left somewhere else.
	startup, err := jobs.ControlCycle.Bootstrap(ctx, version)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record startup")
	} else {
		log.Info().Int64("startup_id", startup.ID).Msg("Startup recorded")
	}

	sched := scheduler.New(log)
	if err := di.ScheduleJobs(sched, jobs, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule jobs")
	}
	if err := sched.RunNow(jobs.ControlCycle); err != nil {
		log.Error().Err(err).Msg("First control cycle failed")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		Version:     version,
		DataDir:     cfg.DataDir,
		ServiceUnit: "canopy",
		DB:          container.DB,
		Health:      container.HealthTracker,
		EventBus:    container.EventBus,
		Modules: []server.RouteRegistrar{
			overrideshandlers.NewHandler(container.OverrideManager, log),
			settingshandlers.NewHandler(container.SettingsService, log),
			alertshandlers.NewHandler(container.AlertSink, log),
			cycleloghandlers.NewHandler(container.CycleLog, container.HealthTracker, container.OverrideManager, cfg.CycleInterval, log),
		},
	})
	srv.SetJobs(jobs.All()...)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	// Stop waits for a running cycle so no command is cut off half way.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry")
	}

	log.Info().Msg("Server stopped")
}

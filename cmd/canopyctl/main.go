// Package main is canopyctl, the manual-control CLI for canopy.
//
// It opens the controller's database directly, so overrides and settings
// set here take effect on the next control cycle even when the HTTP
// surface is down.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/canopy/internal/config"
	"github.com/aristath/canopy/internal/database"
	"github.com/aristath/canopy/internal/modules/cyclelog"
	"github.com/aristath/canopy/internal/modules/overrides"
	"github.com/aristath/canopy/internal/modules/settings"
	"github.com/aristath/canopy/internal/reliability"
	"github.com/aristath/canopy/pkg/logger"
)

// options are the persistent flags shared by every command.
type options struct {
	dataDir  string
	siteFile string
	interval time.Duration
	asJSON   bool
	logLevel string
}

// store is the part of the controller the CLI works on.
type store struct {
	db        *database.DB
	overrides *overrides.Manager
	settings  *settings.Service
	cycles    *cyclelog.Repository
	health    *reliability.HealthRepository
}

func (s *store) Close() {
	s.db.Close()
}

// openStore opens the database the controller uses. The schema is applied
// so the CLI also works before the controller's first start.
func openStore(opts *options, log zerolog.Logger) (*store, error) {
	site, err := config.LoadSite(opts.siteFile)
	if err != nil {
		return nil, err
	}

	db, err := database.New(database.Config{
		Path:    filepath.Join(opts.dataDir, "canopy.db"),
		Profile: database.ProfileLedger,
		Name:    "canopy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	conn := db.Conn()
	return &store{
		db:        db,
		overrides: overrides.NewManager(overrides.NewRepository(conn, log), nil, log),
		settings:  settings.NewService(settings.NewRepository(conn, log), site.Control, nil, log),
		cycles:    cyclelog.NewRepository(conn, log),
		health:    reliability.NewHealthRepository(conn, log),
	}, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "canopyctl",
		Short: "Manual control of the canopy greenhouse controller",
		Long: `canopyctl pins actuators with time-limited overrides, tunes the
runtime settings and reports controller status.

Available commands:
  override - Set, cancel and list manual overrides
  settings - Show, change and reset runtime settings
  status   - Show the last cycle, device health and active overrides`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", envOr("CANOPY_DATA_DIR", "/var/lib/canopy"), "controller data directory")
	root.PersistentFlags().StringVar(&opts.siteFile, "site", os.Getenv("CANOPY_MODEL_FILE"), "site file (defaults to built-in values)")
	root.PersistentFlags().DurationVar(&opts.interval, "interval", 5*time.Minute, "controller cycle interval, for the online check")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of tables")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(newOverrideCmd(opts), newSettingsCmd(opts), newStatusCmd(opts))
	return root
}

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, opts *options, fn func(s *store) error) error {
	log := logger.NewWithWriter(logger.Config{Level: opts.logLevel, Pretty: true}, cmd.ErrOrStderr())
	s, err := openStore(opts, log)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

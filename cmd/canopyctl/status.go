package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/cyclelog"
)

// statusReport is what the status command prints.
type statusReport struct {
	Online    bool                     `json:"online"`
	Heartbeat cyclelog.Heartbeat       `json:"heartbeat"`
	LastCycle *cyclelog.CycleSummary   `json:"last_cycle,omitempty"`
	Accuracy  cyclelog.AccuracySummary `json:"accuracy_24h"`
	Devices   []deviceStatus           `json:"devices"`
	Overrides []domain.Override        `json:"overrides"`
}

type deviceStatus struct {
	domain.DeviceHealth
	State domain.HealthState `json:"state"`
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last cycle, device health and active overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(s *store) error {
				report, err := buildStatus(cmd, s, opts.interval, time.Now())
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), report)
				}
				return printStatus(cmd, report, time.Now())
			})
		},
	}
}

func buildStatus(cmd *cobra.Command, s *store, interval time.Duration, now time.Time) (statusReport, error) {
	ctx := cmd.Context()
	var report statusReport

	hb, err := s.cycles.Heartbeat(ctx)
	if err != nil {
		return report, err
	}
	report.Heartbeat = hb
	report.Online = hb.Online(now, interval)

	if report.LastCycle, err = s.cycles.Latest(ctx); err != nil {
		return report, err
	}
	if report.Accuracy, err = s.cycles.AccuracySince(ctx, now.Add(-24*time.Hour)); err != nil {
		return report, err
	}

	health, err := s.health.LoadAll(ctx)
	if err != nil {
		return report, err
	}
	report.Devices = make([]deviceStatus, 0, len(health))
	for _, h := range health {
		report.Devices = append(report.Devices, deviceStatus{DeviceHealth: h, State: h.State()})
	}

	if report.Overrides, err = s.overrides.ListActive(ctx, now); err != nil {
		return report, err
	}
	return report, nil
}

func printStatus(cmd *cobra.Command, r statusReport, now time.Time) error {
	out := cmd.OutOrStdout()

	if r.Heartbeat.LastCycleAt.IsZero() {
		fmt.Fprintln(out, "Controller: no cycle recorded")
	} else {
		state := "online"
		if !r.Online {
			state = "OFFLINE"
		}
		fmt.Fprintf(out, "Controller: %s, last cycle %s ago (%d completed)\n",
			state, r.Heartbeat.Age(now).Round(time.Second), r.Heartbeat.CyclesCompleted)
	}

	if c := r.LastCycle; c != nil {
		fmt.Fprintf(out, "Indoor:     %.1f°F %.0f%% (%s)\n", c.IndoorTempF, c.IndoorHumidity, c.IndoorSource)
		fmt.Fprintf(out, "Outdoor:    %.1f°F %.0f%% (%s), forecast %s\n", c.OutdoorTempF, c.OutdoorHumidity, c.OutdoorSource, c.ForecastSource)
		fmt.Fprintf(out, "Predicted:  %.1f..%.1f°F\n", c.PredictedTroughF, c.PredictedPeakF)
	}
	if r.Accuracy.Samples > 0 {
		fmt.Fprintf(out, "Model:      RMSE %.2f°F over %d samples (24h)\n", r.Accuracy.RMSEF, r.Accuracy.Samples)
	}

	if len(r.Devices) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE\tSTATE\tFAILURES\tLAST SUCCESS")
		for _, d := range r.Devices {
			last := "never"
			if !d.LastSuccess.IsZero() {
				last = d.LastSuccess.Local().Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Device, d.State, d.ConsecutiveFailures, last)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(r.Overrides) > 0 {
		fmt.Fprintln(out)
		for _, o := range r.Overrides {
			fmt.Fprintf(out, "Override: %s pinned to %s for %s (%s)\n",
				o.Actuator, o.Command, o.Remaining(now).Round(time.Minute), o.Source)
		}
	}
	return nil
}

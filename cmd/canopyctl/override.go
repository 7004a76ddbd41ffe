package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/canopy/internal/domain"
)

func newOverrideCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Manage manual overrides",
		Long: `Pin an actuator to a command for a limited time. The controller
applies the override on its next cycle and resumes automatic control
when it expires or is cancelled.

Commands by actuator:
  shades_east, shades_west  open | closed
  ventilation               on | off
  hvac                      off | cool@<°F> | heat@<°F>`,
	}

	var (
		duration time.Duration
		source   string
	)
	set := &cobra.Command{
		Use:     "set <actuator> <command>",
		Short:   "Pin an actuator to a command",
		Example: "  canopyctl override set hvac cool@78 --for 2h",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actuator, err := domain.ParseActuator(args[0])
			if err != nil {
				return err
			}
			command, err := domain.ParseCommand(actuator, args[1])
			if err != nil {
				return err
			}
			return withStore(cmd, opts, func(s *store) error {
				o, err := s.overrides.Set(cmd.Context(), actuator, command, duration, source)
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), o)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s pinned to %s until %s\n",
					o.Actuator, o.Command, o.ExpiresAt.Local().Format(time.DateTime))
				return nil
			})
		},
	}
	set.Flags().DurationVar(&duration, "for", time.Hour, "how long the override lasts (at most 24h)")
	set.Flags().StringVar(&source, "source", "cli", "who set the override")

	cancel := &cobra.Command{
		Use:   "cancel <actuator>",
		Short: "Cancel the active override of an actuator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actuator, err := domain.ParseActuator(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, opts, func(s *store) error {
				if err := s.overrides.Cancel(cmd.Context(), actuator); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s override cancelled\n", actuator)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the overrides in force",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(s *store) error {
				now := time.Now()
				active, err := s.overrides.ListActive(cmd.Context(), now)
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), active)
				}
				if len(active) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No active overrides")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ACTUATOR\tCOMMAND\tREMAINING\tSOURCE")
				for _, o := range active {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Actuator, o.Command, o.Remaining(now).Round(time.Minute), o.Source)
				}
				return tw.Flush()
			})
		},
	}

	var limit int
	history := &cobra.Command{
		Use:   "history [actuator]",
		Short: "Show past overrides, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var actuator domain.Actuator
			if len(args) == 1 {
				a, err := domain.ParseActuator(args[0])
				if err != nil {
					return err
				}
				actuator = a
			}
			return withStore(cmd, opts, func(s *store) error {
				past, err := s.overrides.History(cmd.Context(), actuator, limit)
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), past)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "CREATED\tACTUATOR\tCOMMAND\tEXPIRES\tENDED\tSOURCE")
				for _, o := range past {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						o.CreatedAt.Local().Format(time.DateTime), o.Actuator, o.Command,
						o.ExpiresAt.Local().Format(time.DateTime), ended(o), o.Source)
				}
				return tw.Flush()
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "number of overrides to show")

	cmd.AddCommand(set, cancel, list, history)
	return cmd
}

// ended describes how an override stopped.
func ended(o domain.Override) string {
	switch {
	case o.CancelledAt != nil:
		return "cancelled"
	case o.SupersededAt != nil:
		return "superseded"
	case o.ActiveAt(time.Now()):
		return "active"
	default:
		return "expired"
	}
}

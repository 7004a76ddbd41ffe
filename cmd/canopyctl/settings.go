package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSettingsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show and tune runtime settings",
		Long: `Runtime settings shadow the control section of the site file. A
stored value is used until it is reset; the controller picks changes up
on its next cycle.`,
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show every tunable setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(s *store) error {
				list, err := s.settings.List()
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tVALUE\tSITE FILE\tDESCRIPTION")
				for _, st := range list {
					value := strconv.FormatFloat(st.Value, 'f', -1, 64)
					if st.Overridden {
						value += " *"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Key, value,
						strconv.FormatFloat(st.FileValue, 'f', -1, 64), st.Description)
				}
				return tw.Flush()
			})
		},
	}

	set := &cobra.Command{
		Use:     "set <key> <value>",
		Short:   "Store a setting",
		Example: "  canopyctl settings set high_threshold_f 84",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}
			return withStore(cmd, opts, func(s *store) error {
				if err := s.settings.Set(args[0], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s set to %s\n", args[0], args[1])
				return nil
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset <key>",
		Short: "Restore the site file value of a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(s *store) error {
				if err := s.settings.Reset(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reset\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(get, set, reset)
	return cmd
}

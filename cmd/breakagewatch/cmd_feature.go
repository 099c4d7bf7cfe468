package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFeatureCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "feature on|off|status",
		Short:     "Toggle breakage notifications",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := opts.open()
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := cmd.Context()
			switch args[0] {
			case "on":
				err = svc.SetFeatureActive(ctx, true)
			case "off":
				err = svc.SetFeatureActive(ctx, false)
			case "status":
			default:
				return fmt.Errorf("unknown argument %q", args[0])
			}
			if err != nil {
				return err
			}
			state := "off"
			if svc.FeatureActive(ctx) {
				state = "on"
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
	return cmd
}

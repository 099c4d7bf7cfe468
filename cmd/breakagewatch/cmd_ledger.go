package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLedgerCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage domains that were already notified",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List notified domains",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, _, err := opts.open()
			if err != nil {
				return err
			}
			defer svc.Close()
			domains, err := svc.NotifiedDomains(cmd.Context())
			if err != nil {
				return err
			}
			for _, d := range domains {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove DOMAIN",
		Short: "Allow a domain to be notified again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := opts.open()
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.ForgetDomain(cmd.Context(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget every notified domain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, _, err := opts.open()
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.ClearNotified(cmd.Context())
		},
	})
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"breakagewatch/pkg/domain"
)

func newRulesCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and edit breakage rules",
	}

	var kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the effective rules (static first, then dynamic)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, _, err := opts.open()
			if err != nil {
				return err
			}
			defer svc.Close()

			kinds := domain.Kinds()
			if kind != "" {
				k, err := parseKind(kind)
				if err != nil {
					return err
				}
				kinds = []domain.TriggerKind{k}
			}
			out := make(map[domain.TriggerKind][]domain.BreakageRule, len(kinds))
			for _, k := range kinds {
				out[k] = svc.Rules(cmd.Context(), k)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "tab or webrequest (default both)")

	var setKind, file string
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace a dynamic catalog with the contents of a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := parseKind(setKind)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			svc, _, _, err := opts.open()
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.SetDynamicRules(cmd.Context(), k, string(data)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s rules updated\n", k)
			return nil
		},
	}
	set.Flags().StringVar(&setKind, "kind", "", "tab or webrequest")
	set.Flags().StringVar(&file, "file", "", "JSON array of rules")
	_ = set.MarkFlagRequired("kind")
	_ = set.MarkFlagRequired("file")

	var addKind, rule string
	add := &cobra.Command{
		Use:   "add",
		Short: "Append one rule to a dynamic catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := parseKind(addKind)
			if err != nil {
				return err
			}
			svc, _, _, err := opts.open()
			if err != nil {
				return err
			}
			defer svc.Close()
			id, err := svc.AddDynamicRule(cmd.Context(), k, rule)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	add.Flags().StringVar(&addKind, "kind", "", "tab or webrequest")
	add.Flags().StringVar(&rule, "json", "", "rule as a JSON object")
	_ = add.MarkFlagRequired("kind")
	_ = add.MarkFlagRequired("json")

	var clearKind string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove dynamic rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds := domain.Kinds()
			if clearKind != "" {
				k, err := parseKind(clearKind)
				if err != nil {
					return err
				}
				kinds = []domain.TriggerKind{k}
			}
			svc, _, _, err := opts.open()
			if err != nil {
				return err
			}
			defer svc.Close()
			for _, k := range kinds {
				if err := svc.ClearDynamicRules(cmd.Context(), k); err != nil {
					return err
				}
			}
			return nil
		},
	}
	clearCmd.Flags().StringVar(&clearKind, "kind", "", "tab or webrequest (default both)")

	cmd.AddCommand(list, set, add, clearCmd)
	return cmd
}

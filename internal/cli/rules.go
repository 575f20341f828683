package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/t77yq/rulewatch/internal/model"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage watch rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			rules, err := a.service.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rules)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <rule.json>",
		Short: "Create a rule from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read rule file: %w", err)
			}
			var rule model.Rule
			if err := json.Unmarshal(data, &rule); err != nil {
				return fmt.Errorf("failed to decode rule: %w", err)
			}

			a, err := loadApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.service.CreateRule(cmd.Context(), &rule); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rule)
		},
	})

	cmd.AddCommand(newStatusCommand(rootOpts, "pause", model.RuleStatusPaused))
	cmd.AddCommand(newStatusCommand(rootOpts, "resume", model.RuleStatusActive))

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.service.DeleteRule(cmd.Context(), args[0])
		},
	})

	return cmd
}

func newStatusCommand(rootOpts *RootOptions, use string, status model.RuleStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: fmt.Sprintf("Set a rule to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.service.SetStatus(cmd.Context(), args[0], status)
		},
	}
}

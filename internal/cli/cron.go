package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/rulewatch/internal/scheduler"
)

// NewCronCommand creates the cron helper commands.
func NewCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Check cron expressions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <expression>",
		Short: "Validate a five-field cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := scheduler.ValidateExpression(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	})

	var count int
	var from string
	next := &cobra.Command{
		Use:   "next <expression>",
		Short: "Print the next fire times of an expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := time.Now()
			if from != "" {
				var err error
				base, err = time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}

			for i := 0; i < count; i++ {
				t, err := scheduler.NextExecution(args[0], base)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
				base = t
			}
			return nil
		},
	}
	next.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")
	next.Flags().StringVar(&from, "from", "", "base time in RFC3339 (default now)")
	cmd.AddCommand(next)

	return cmd
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/rulewatch/internal/model"
)

type listOptions struct {
	ruleID string
	status []string
	since  time.Duration
	limit  int
}

// NewExecutionsCommand creates the executions command group.
func NewExecutionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect execution history",
	}

	list := &listOptions{}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := list.filter(time.Now())
			if err != nil {
				return err
			}

			a, err := loadApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.service.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), records)
		},
	}
	listCmd.Flags().StringVar(&list.ruleID, "rule", "", "only executions of this rule")
	listCmd.Flags().StringSliceVar(&list.status, "status", nil, "only executions in these statuses")
	listCmd.Flags().DurationVar(&list.since, "since", 0, "only executions created within this window")
	listCmd.Flags().IntVar(&list.limit, "limit", 20, "maximum number of executions")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "diff <execution-id>",
		Short: "Compare an execution with the previous successful one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			changes, err := a.service.DiffExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), changes)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "read <execution-id>",
		Short: "Mark an execution as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.service.MarkRead(cmd.Context(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a pending or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.service.CancelExecution(cmd.Context(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unread",
		Short: "Show unread execution counts per rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := a.service.UnreadCounts(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), counts)
		},
	})

	return cmd
}

func (o *listOptions) filter(now time.Time) (model.ExecutionFilter, error) {
	filter := model.ExecutionFilter{
		RuleID: o.ruleID,
		Limit:  o.limit,
	}
	for _, s := range o.status {
		status := model.ExecutionStatus(s)
		switch status {
		case model.ExecutionStatusPending, model.ExecutionStatusRunning:
		default:
			if !status.IsTerminal() {
				return filter, fmt.Errorf("unknown execution status %q", s)
			}
		}
		filter.Status = append(filter.Status, status)
	}
	if o.since > 0 {
		from := now.Add(-o.since)
		filter.From = &from
	}
	return filter, nil
}

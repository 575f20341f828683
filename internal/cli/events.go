package cli

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/model"
)

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Print execution completed events published on NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.forwarder == nil {
				return errors.New("nats.enabled is false")
			}

			out := cmd.OutOrStdout()
			err = a.forwarder.Subscribe(ctx, func(event model.ExecutionCompletedEvent) {
				if err := writeJSON(out, event); err != nil {
					a.logger.Warn("Failed to write event", zap.Error(err))
				}
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
}

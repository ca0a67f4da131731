package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"e2e_sync/internal/service/app"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <peer>",
		Short: "Open the chat screen with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			eng, stop, err := startEngine(ctx)
			if err != nil {
				return err
			}
			err = app.NewApp(eng).Run(ctx, args[0])
			return multierr.Append(err, stop())
		},
	}
}

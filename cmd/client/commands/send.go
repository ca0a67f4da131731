package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"e2e_sync/internal/model"
)

// send <peer> <message>: queue one message and wait briefly for delivery. An
// undelivered message stays queued and goes out on the next run.
func sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			eng, stop, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, stop()) }()

			entry, err := eng.Send(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			wctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				current, queued := eng.Entry(entry.ID)
				if !queued {
					fmt.Printf("sent %s\n", entry.ID)
					return nil
				}
				if current.State == model.StateFailed {
					return fmt.Errorf("message %s failed: %s (resend it from the chat with /resend)", entry.ID, current.FailureReason)
				}
				select {
				case <-wctx.Done():
					fmt.Printf("queued %s; %d message(s) still pending\n", entry.ID, eng.PendingCount())
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "wait", 10*time.Second, "how long to wait for delivery")
	return cmd
}

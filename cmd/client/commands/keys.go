package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"e2e_sync/internal/service/identity"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity key fingerprint, creating the identity if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, &cfg.Client, username)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closeStore()) }()

			keys := identity.NewStore(store, identity.Options{OneTimePreKeyCount: cfg.Client.OneTimePreKeyCount})
			id, err := keys.GetOrCreateIdentity(ctx, username)
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", hex.EncodeToString(id.IKPub[:]))
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish the identity and prekey bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			eng, stop, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, stop()) }()
			if err := eng.PublishKeys(ctx); err != nil {
				return err
			}
			fmt.Println("published")
			return nil
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Withdraw the prekey bundle so peers can no longer start sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			eng, stop, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, stop()) }()
			if err := eng.Revoke(ctx); err != nil {
				return err
			}
			fmt.Println("revoked")
			return nil
		},
	}
}

package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"e2e_sync/internal/config"
	"e2e_sync/internal/utils/log"
)

var (
	configPath string
	username   string
	passphrase string
	cfg        *config.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:           "e2e-client",
		Short:         "End-to-end encrypted chat client",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if passphrase != "" {
				c.Client.Passphrase = passphrase
			}
			cfg = c
			return log.Init(c.Log.Level, c.Log.Development, logOutputs(cmd)...)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVarP(&username, "user", "u", "", "your user id")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting local keys (overrides config)")
	_ = root.MarkPersistentFlagRequired("user")

	root.AddCommand(chatCmd(), sendCmd(), fingerprintCmd(), publishCmd(), revokeCmd())
	return root.Execute()
}

// logOutputs keeps logs off the terminal while the chat screen owns it.
func logOutputs(cmd *cobra.Command) []string {
	if cfg.Log.File != "" {
		return []string{cfg.Log.File}
	}
	if cmd.Name() != "chat" {
		return nil
	}
	if err := os.MkdirAll(cfg.Client.DataDir, 0o700); err != nil {
		return nil
	}
	return []string{filepath.Join(cfg.Client.DataDir, username+".log")}
}

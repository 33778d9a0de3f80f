package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"groupcrypt/internal/app"
	"groupcrypt/internal/domain"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <user-id> <device-id>",
		Short: "Generate device keys and store them securely",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			fp, err := app.CreateAccount(cfg, passphrase, domain.UserID(args[0]), domain.DeviceID(args[1]))
			if err != nil {
				return err
			}
			cfg.UserID, cfg.DeviceID = args[0], args[1]
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Printf("Device %s|%s created.\nFingerprint: %s\n", args[0], args[1], fp)
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"groupcrypt/internal/services/account"
	"groupcrypt/internal/store"
)

func fingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print device fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			acct := account.New(store.NewAccountFileStore(cfg.Home), passphrase)
			if _, err := acct.Load(); err != nil {
				return err
			}
			info := acct.DeviceInfo()
			fmt.Printf("Device:      %s|%s\n", info.UserID, info.DeviceID)
			fmt.Printf("Fingerprint: %s\n", acct.Fingerprint())
			return nil
		},
	}
	return cmd
}

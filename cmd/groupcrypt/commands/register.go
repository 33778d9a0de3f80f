package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Publish your device keys to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			// Each publish adds a fresh batch of one-time keys.
			if err := d.Publish(ctx); err != nil {
				return err
			}
			fmt.Printf("Published %s with %d one-time keys\n", d.Self().Key(), cfg.Distribution.OneTimeKeys)
			return nil
		},
	}
	return cmd
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"groupcrypt/internal/domain"
)

// shareHistoryCmd forwards a room's shared-history keys to an invited user
// so they can read messages sent before they joined.
func shareHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share-history <room> <user>",
		Short: "Share a room's history keys with an invited user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := d.ShareHistory(ctx, domain.RoomID(args[0]), domain.UserID(args[1])); err != nil {
				return fmt.Errorf("sharing history of %q with %q: %w", args[0], args[1], err)
			}
			fmt.Printf("Shared history of %s with %s\n", args[0], args[1])
			return nil
		},
	}
}

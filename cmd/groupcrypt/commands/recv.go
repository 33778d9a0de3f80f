package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"groupcrypt/internal/domain"
)

// recv: sync to-device keys, then decrypt <room>'s timeline.
func recvCmd() *cobra.Command {
	var since int
	cmd := &cobra.Command{
		Use:   "recv <room>",
		Short: "Fetch room keys and decrypt a room's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			if _, err := d.Sync(ctx); err != nil {
				return err
			}
			results, err := d.Read(ctx, domain.RoomID(args[0]), since)
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Err != nil {
					fmt.Printf("[%s] %s: unable to decrypt: %v\n", r.Event.Sender, r.Event.EventID, r.Err)
					continue
				}
				var msg textMessage
				body := string(r.Decrypted.Content)
				if json.Unmarshal(r.Decrypted.Content, &msg) == nil && msg.Body != "" {
					body = msg.Body
				}
				mark := ""
				if r.Decrypted.Untrusted {
					mark = " (unverified key)"
				}
				fmt.Printf("[%s]%s %s\n", r.Event.Sender, mark, body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&since, "since", 0, "timeline position to start from")
	return cmd
}

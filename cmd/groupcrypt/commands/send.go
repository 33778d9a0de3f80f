package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"groupcrypt/internal/domain"
)

type textMessage struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// send <room> <message>: encrypt and post a text message to <room>.
func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <room> <message>",
		Short: "Encrypt and send a message to a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			ev, err := d.Send(ctx, domain.RoomID(args[0]), "m.room.message", textMessage{MsgType: "m.text", Body: args[1]})
			if err != nil {
				return err
			}
			// Let a background key share finish before exiting.
			d.Outbound.Wait()
			fmt.Printf("sent %s\n", ev.EventID)
			return nil
		},
	}
	return cmd
}

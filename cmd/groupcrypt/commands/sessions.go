package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/store"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <room>",
		Short: "List the inbound group sessions held for a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gs, err := store.Open(cfg.StoreOptions())
			if err != nil {
				return err
			}
			defer gs.Close()

			sessions, err := gs.ListInbound(domain.RoomID(args[0]))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSENDER KEY\tTRUST\tFIRST INDEX\tSHARED HISTORY")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%t\n", s.SessionID, s.SenderKey, s.Trust, s.FirstKnownIndex, s.SharedHistory)
			}
			return w.Flush()
		},
	}
}

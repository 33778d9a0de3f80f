package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
)

func roomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage room membership on the relay",
	}
	cmd.AddCommand(roomCreateCmd(), roomInviteCmd(), roomJoinCmd(), roomLeaveCmd(), roomVisibilityCmd())
	return cmd
}

func visibility(v string) (domain.HistoryVisibility, error) {
	switch hv := domain.HistoryVisibility(v); hv {
	case types.VisibilityWorldReadable, types.VisibilityShared, types.VisibilityInvited, types.VisibilityJoined:
		return hv, nil
	}
	return "", fmt.Errorf("unknown history visibility %q", v)
}

func roomCreateCmd() *cobra.Command {
	var vis string
	cmd := &cobra.Command{
		Use:   "create <room>",
		Short: "Create a room you are joined to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hv, err := visibility(vis)
			if err != nil {
				return err
			}
			client, err := httpClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := client.CreateRoom(ctx, domain.RoomID(args[0]), hv); err != nil {
				return err
			}
			fmt.Printf("Created %s (history: %s)\n", args[0], hv)
			return nil
		},
	}
	cmd.Flags().StringVar(&vis, "visibility", string(types.VisibilityShared), "history visibility")
	return cmd
}

func roomInviteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invite <room> <user>",
		Short: "Invite a user to a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := httpClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := client.Invite(ctx, domain.RoomID(args[0]), domain.UserID(args[1])); err != nil {
				return err
			}
			fmt.Printf("Invited %s to %s\n", args[1], args[0])
			return nil
		},
	}
}

// roomJoinCmd joins a room and imports any history keys the inviter sent
// before we knew the room.
func roomJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room you were invited to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, client, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			room := domain.RoomID(args[0])
			inviter, invited := client.Rooms().InviterOf(room)
			if err := client.Join(ctx, room); err != nil {
				return err
			}
			if _, err := d.Sync(ctx); err != nil {
				return err
			}
			if invited {
				if err := d.JoinedRoom(ctx, room, inviter); err != nil {
					return err
				}
			}
			fmt.Printf("Joined %s\n", room)
			return nil
		},
	}
}

func roomLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <room>",
		Short: "Leave a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := httpClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			return client.Leave(ctx, domain.RoomID(args[0]))
		},
	}
}

func roomVisibilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "visibility <room> <world_readable|shared|invited|joined>",
		Short: "Change a room's history visibility",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hv, err := visibility(args[1])
			if err != nil {
				return err
			}
			client, err := httpClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			return client.SetHistoryVisibility(ctx, domain.RoomID(args[0]), hv)
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func hostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "host <hash>",
		Short: "Print an invite for a group and stay connected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := resolveGroup(args[0])
			if err != nil {
				return err
			}
			inv, err := wire.Sessions.GenerateInvite(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("Invite (%s):\n%s\n", inv.Strategy, inv.Code)
			if wire.Relay != nil {
				if err := wire.Relay.PublishInvite(ctx, id, inv.Code); err != nil {
					return fmt.Errorf("publish invite: %w", err)
				}
				fmt.Println("Invite published to relay; polling for answers.")
			}
			fmt.Println("Paste answer codes here. Other lines are sent to the group. Ctrl-C to quit.")
			return stayConnected(ctx, id)
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func acceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <invite>",
		Short: "Accept an invite, print the answer code and stay connected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := wire.Sessions.AcceptInvite(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Joined %s (%s) via %s invite\n", res.Group.Name, res.Group.ID.Short(), res.Kind)
			if res.AnswerCode != "" {
				fmt.Printf("Answer code, give it to the host:\n%s\n", res.AnswerCode)
				if wire.Relay != nil {
					if err := wire.Relay.PostAnswer(ctx, res.Group.ID, res.AnswerCode); err != nil {
						return fmt.Errorf("post answer: %w", err)
					}
					fmt.Println("Answer posted to relay.")
				}
			}
			fmt.Println("Lines typed here are sent to the group. Ctrl-C to quit.")
			return stayConnected(ctx, res.Group.ID)
		},
	}
}

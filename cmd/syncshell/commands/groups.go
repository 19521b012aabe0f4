package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"syncshell/internal/domain"
)

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group and print its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := wire.Sessions.CreateGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Group:  %s\nHash:   %s\nSecret: %s\n", rec.Name, rec.ID, rec.SharedSecret)
			return nil
		},
	}
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <name> <secret>",
		Short: "Join a group from its name and shared secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := wire.Sessions.JoinGroup(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Joined %s (%s)\n", rec.Name, rec.ID)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List joined groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			groups := wire.Sessions.Groups()
			if len(groups) == 0 {
				fmt.Println("No groups.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HASH\tNAME\tROLE\tACTIVE\tLINKS\tROSTER")
			for _, g := range groups {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\n",
					g.ID.Short(), g.Name, g.Role, g.Active,
					len(wire.Sessions.Connections(g.ID)),
					strings.Join(wire.Sessions.Roster(g.ID), ", "))
			}
			return tw.Flush()
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <hash>",
		Short: "Forget a group and drop its connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveGroup(args[0])
			if err != nil {
				return err
			}
			return wire.Sessions.RemoveGroup(cmd.Context(), id)
		},
	}
}

func suspendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suspend <hash>",
		Short: "Mark a group inactive so it is not reconnected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveGroup(args[0])
			if err != nil {
				return err
			}
			return wire.Sessions.SetActive(cmd.Context(), id, false)
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <hash>",
		Short: "Mark a group active again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveGroup(args[0])
			if err != nil {
				return err
			}
			return wire.Sessions.SetActive(cmd.Context(), id, true)
		},
	}
}

// resolveGroup accepts a full hash or a unique prefix of one.
func resolveGroup(arg string) (domain.GroupHash, error) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	var match []domain.GroupHash
	for _, g := range wire.Sessions.Groups() {
		if string(g.ID) == arg {
			return g.ID, nil
		}
		if arg != "" && strings.HasPrefix(string(g.ID), arg) {
			match = append(match, g.ID)
		}
	}
	switch len(match) {
	case 0:
		return "", fmt.Errorf("no group matches %q", arg)
	case 1:
		return match[0], nil
	default:
		return "", fmt.Errorf("%q matches %d groups, use a longer prefix", arg, len(match))
	}
}

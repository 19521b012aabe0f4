package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"syncshell/internal/crypto"
	"syncshell/internal/services/identity"
)

func fingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint [name secret]",
		Short: "Print the identity fingerprint, or the hash a group name and secret derive",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <name> <secret>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Printf("Fingerprint: %s\n", wire.Fingerprint)
				return nil
			}
			name, err := identity.NormalizeGroupName(args[0])
			if err != nil {
				return err
			}
			if err := identity.ValidateSecret(args[1]); err != nil {
				return err
			}
			keys := crypto.DeriveGroup(name, args[1])
			defer keys.Wipe()
			fmt.Printf("Group hash: %s\n", keys.Hash)
			return nil
		},
	}
	return cmd
}

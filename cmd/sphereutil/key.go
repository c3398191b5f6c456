package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noosphere/sphereengine/pkg/identity"
)

func newKeyCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "manage signing keys in the keys namespace"}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate <name>",
		Short: "generate and persist a new signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := identity.Generate()
			if err != nil {
				return err
			}
			if err := identity.Store(cmd.Context(), store, args[0], kp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.DID)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "print the DID for a previously generated key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := identity.Load(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.DID)
			return nil
		},
	})
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/petname"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

func newPetnameCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "petname", Short: "manage and resolve address-book entries"}
	cmd.AddCommand(petnameSetCmd())
	cmd.AddCommand(petnameResolveCmd())
	return cmd
}

func petnameSetCmd() *cobra.Command {
	var keyName, tokenStr string
	cmd := &cobra.Command{
		Use:   "set <sphere-did> <name> <target-did>",
		Short: "bind a petname to another sphere's identity and save",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphereDID, name, target := args[0], args[1], args[2]
			owner, err := identity.Load(cmd.Context(), store, keyName)
			if err != nil {
				return err
			}
			token, err := codec.ParseCID(tokenStr)
			if err != nil {
				return fmt.Errorf("parse --token: %w", err)
			}
			ro, err := sphere.Open(cmd.Context(), store, sphereDID, codec.Undef)
			if err != nil {
				return err
			}
			mut, err := ro.Mutable(cmd.Context(), owner, token)
			if err != nil {
				return err
			}
			if err := mut.SetPetname(cmd.Context(), name, target); err != nil {
				return err
			}
			rev, err := mut.Save(cmd.Context(), nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rev)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "default", "name of the signing key in the keys namespace")
	cmd.Flags().StringVar(&tokenStr, "token", "", "CID of the authorization token to sign with")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func petnameResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <sphere-did> <dotted-name>",
		Short: "resolve a (possibly dotted) petname path across sphere address books",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphereDID, dotted := args[0], args[1]
			ro, err := sphere.Open(cmd.Context(), store, sphereDID, codec.Undef)
			if err != nil {
				return err
			}
			// No NNS is wired for a purely local CLI invocation: only
			// resolution hops answerable from blocks already on disk
			// succeed (a link record cached in memory or in the address
			// book entry); every other hop is reported as unreachable.
			resolver := petname.NewResolver(store, nil, nil)
			outcome, err := resolver.Resolve(cmd.Context(), ro, dotted)
			if err != nil {
				return err
			}
			if outcome.Unreachable {
				fmt.Fprintf(cmd.OutOrStdout(), "unreachable at hop %d: %s\n", outcome.Hop, outcome.Reason)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity: %s\nrevision: %s\n", outcome.Identity, outcome.Revision)
			return nil
		},
	}
	return cmd
}

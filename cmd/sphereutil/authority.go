package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

func newAuthorityCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "authority", Short: "manage a sphere's capability tokens"}
	cmd.AddCommand(authorityAuthorizeCmd())
	cmd.AddCommand(authorityRevokeCmd())
	cmd.AddCommand(authorityListCmd())
	return cmd
}

func authorityAuthorizeCmd() *cobra.Command {
	var keyName, issuerTokenStr, actionsStr string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "authorize <sphere-did> <name> <audience-did>",
		Short: "delegate a capability to another key and save",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphereDID, name, audience := args[0], args[1], args[2]
			issuer, err := identity.Load(cmd.Context(), store, keyName)
			if err != nil {
				return err
			}
			issuerToken, err := codec.ParseCID(issuerTokenStr)
			if err != nil {
				return fmt.Errorf("parse --issuer-token: %w", err)
			}
			ro, err := sphere.Open(cmd.Context(), store, sphereDID, codec.Undef)
			if err != nil {
				return err
			}
			mut, err := ro.Mutable(cmd.Context(), issuer, issuerToken)
			if err != nil {
				return err
			}
			actions := strings.Split(actionsStr, ",")
			tokCID, err := mut.Authorize(cmd.Context(), issuer, issuerToken, name, audience, actions, ttl)
			if err != nil {
				return err
			}
			rev, err := mut.Save(cmd.Context(), nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token: %s\nrevision: %s\n", tokCID, rev)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "default", "name of the issuing key in the keys namespace")
	cmd.Flags().StringVar(&issuerTokenStr, "issuer-token", "", "CID of the issuer's own standing token (sphere/authorize capability)")
	cmd.Flags().StringVar(&actionsStr, "actions", "sphere/publish", "comma-separated actions to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "how long the new token remains valid")
	_ = cmd.MarkFlagRequired("issuer-token")
	return cmd
}

func authorityRevokeCmd() *cobra.Command {
	var keyName, tokenStr string
	cmd := &cobra.Command{
		Use:   "revoke <sphere-did> <token-cid>",
		Short: "revoke a capability token and save",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphereDID := args[0]
			tokenToRevoke, err := codec.ParseCID(args[1])
			if err != nil {
				return fmt.Errorf("parse token-cid: %w", err)
			}
			owner, err := identity.Load(cmd.Context(), store, keyName)
			if err != nil {
				return err
			}
			ownToken, err := codec.ParseCID(tokenStr)
			if err != nil {
				return fmt.Errorf("parse --token: %w", err)
			}
			ro, err := sphere.Open(cmd.Context(), store, sphereDID, codec.Undef)
			if err != nil {
				return err
			}
			mut, err := ro.Mutable(cmd.Context(), owner, ownToken)
			if err != nil {
				return err
			}
			if err := mut.Revoke(cmd.Context(), tokenToRevoke); err != nil {
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
	cmd.Flags().StringVar(&keyName, "key", "default", "name of the revoking key in the keys namespace")
	cmd.Flags().StringVar(&tokenStr, "token", "", "CID of the revoking context's own authorization token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func authorityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <sphere-did>",
		Short: "list every outstanding delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ro, err := sphere.Open(cmd.Context(), store, args[0], codec.Undef)
			if err != nil {
				return err
			}
			auths, err := ro.Authorizations(cmd.Context())
			if err != nil {
				return err
			}
			for _, a := range auths {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", a.Name, a.Token)
			}
			return nil
		},
	}
	return cmd
}

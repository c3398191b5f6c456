package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/sphere"
	"github.com/noosphere/sphereengine/pkg/sync"
)

func newSyncCommand() *cobra.Command {
	var gatewayURL string
	var timeout time.Duration
	cmd := &cobra.Command{Use: "sync", Short: "push and fetch against a gateway"}
	cmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "http://localhost:4433", "gateway base URL")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")
	cmd.AddCommand(syncPushCmd(&gatewayURL, &timeout))
	cmd.AddCommand(syncFetchCmd(&gatewayURL, &timeout))
	cmd.AddCommand(syncIdentifyCmd(&gatewayURL, &timeout))
	return cmd
}

func syncPushCmd(gatewayURL *string, timeout *time.Duration) *cobra.Command {
	var keyName, tokenStr, knownStr string
	cmd := &cobra.Command{
		Use:   "push <sphere-did>",
		Short: "push local history to the gateway, rebasing on counterpart-advanced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphereDID := args[0]
			owner, err := identity.Load(cmd.Context(), store, keyName)
			if err != nil {
				return err
			}
			token, err := codec.ParseCID(tokenStr)
			if err != nil {
				return fmt.Errorf("parse --token: %w", err)
			}
			known := codec.Undef
			if knownStr != "" {
				known, err = codec.ParseCID(knownStr)
				if err != nil {
					return fmt.Errorf("parse --known: %w", err)
				}
			}
			local, err := sphere.Open(cmd.Context(), store, sphereDID, codec.Undef)
			if err != nil {
				return err
			}
			client := sync.NewClient(*gatewayURL, store, *timeout)
			accepted, err := client.Sync(cmd.Context(), local, owner, token, known)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), accepted.Revision())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "default", "name of the signing key in the keys namespace")
	cmd.Flags().StringVar(&tokenStr, "token", "", "CID of the authorization token to sign rebased revisions with")
	cmd.Flags().StringVar(&knownStr, "known", "", "last gateway tip this client observed (default: none)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func syncFetchCmd(gatewayURL *string, timeout *time.Duration) *cobra.Command {
	var knownStr string
	cmd := &cobra.Command{
		Use:   "fetch <counterpart-sphere-did>",
		Short: "fetch a counterpart sphere's latest revisions from the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			known := codec.Undef
			if knownStr != "" {
				var err error
				known, err = codec.ParseCID(knownStr)
				if err != nil {
					return fmt.Errorf("parse --known: %w", err)
				}
			}
			client := sync.NewClient(*gatewayURL, store, *timeout)
			tip, err := client.Fetch(cmd.Context(), args[0], known)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tip)
			return nil
		},
	}
	cmd.Flags().StringVar(&knownStr, "known", "", "last known counterpart tip (default: none)")
	return cmd
}

func syncIdentifyCmd(gatewayURL *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "identify",
		Short: "print the gateway's own DID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sync.NewClient(*gatewayURL, store, *timeout)
			resp, err := client.Identify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.GatewayDID)
			return nil
		},
	}
}

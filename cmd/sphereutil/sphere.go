package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

func newSphereCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "sphere", Short: "create and mutate spheres"}
	cmd.AddCommand(sphereCreateCmd())
	cmd.AddCommand(sphereWriteCmd())
	cmd.AddCommand(sphereReadCmd())
	cmd.AddCommand(sphereListCmd())
	cmd.AddCommand(sphereRemoveCmd())
	return cmd
}

func sphereCreateCmd() *cobra.Command {
	var keyName string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "generate a sphere owner key and produce a genesis revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := identity.LoadOrGenerate(cmd.Context(), store, keyName)
			if err != nil {
				return err
			}
			_, rootToken, err := sphere.Create(cmd.Context(), store, owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sphere: %s\ntoken: %s\n", owner.DID, rootToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "default", "name of the owner key in the keys namespace")
	return cmd
}

func sphereWriteCmd() *cobra.Command {
	var keyName, tokenStr, contentType, bodyFile string
	cmd := &cobra.Command{
		Use:   "write <sphere-did> <slug>",
		Short: "write a slug's content and save a new revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphereDID, slug := args[0], args[1]
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
			body, err := readBody(bodyFile)
			if err != nil {
				return err
			}
			if err := mut.Write(cmd.Context(), slug, contentType, body, nil); err != nil {
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
	cmd.Flags().StringVar(&contentType, "type", sphere.ContentTypePlain, "Content-Type header for the memo")
	cmd.Flags().StringVar(&bodyFile, "body", "-", "file to read the body from, or - for stdin")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func readBody(path string) ([]byte, error) {
	if path == "-" || path == "" {
		return os.ReadFile("/dev/stdin")
	}
	return os.ReadFile(path)
}

func sphereReadCmd() *cobra.Command {
	var revStr string
	cmd := &cobra.Command{
		Use:   "read <sphere-did> <slug>",
		Short: "print a memo's content type and body",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphereDID, slug := args[0], args[1]
			rev := codec.Undef
			if revStr != "" {
				var err error
				rev, err = codec.ParseCID(revStr)
				if err != nil {
					return fmt.Errorf("parse --rev: %w", err)
				}
			}
			ro, err := sphere.Open(cmd.Context(), store, sphereDID, rev)
			if err != nil {
				return err
			}
			memo, err := ro.Read(cmd.Context(), slug)
			if err != nil {
				return err
			}
			body, err := store.Get(cmd.Context(), memo.Body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Content-Type: %s\n\n%s\n", memo.ContentType(), body)
			return nil
		},
	}
	cmd.Flags().StringVar(&revStr, "rev", "", "revision CID to read at (default: current tip)")
	return cmd
}

func sphereListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <sphere-did>",
		Short: "list every slug at the current tip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ro, err := sphere.Open(cmd.Context(), store, args[0], codec.Undef)
			if err != nil {
				return err
			}
			slugs, err := ro.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range slugs {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	return cmd
}

func sphereRemoveCmd() *cobra.Command {
	var keyName, tokenStr string
	cmd := &cobra.Command{
		Use:   "remove <sphere-did> <slug>",
		Short: "remove a slug and save a new revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sphereDID, slug := args[0], args[1]
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
			if err := mut.Remove(cmd.Context(), slug); err != nil {
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

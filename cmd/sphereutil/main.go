// Command sphereutil is a thin, scriptable shell over the sphere engine
// core: one process per operation, every mutation saved immediately. It is
// deliberately minimal; the full interactive experience is the `orb` CLI,
// which is out of scope for this engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/noosphere/sphereengine/pkg/blockstore"
)

var (
	storagePath string
	store       blockstore.Backend
)

func storeInit(cmd *cobra.Command, _ []string) error {
	if store != nil {
		return nil
	}
	s, err := blockstore.NewBadger(storagePath)
	if err != nil {
		return fmt.Errorf("open store at %s: %w", storagePath, err)
	}
	store = s
	return nil
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:               "sphereutil",
		Short:             "operate on local spheres and gateways",
		PersistentPreRunE: storeInit,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if store != nil {
				return store.Close()
			}
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&storagePath, "storage", "./.noosphere", "storage root for blocks and indices")
	root.AddCommand(newKeyCommand())
	root.AddCommand(newSphereCommand())
	root.AddCommand(newPetnameCommand())
	root.AddCommand(newAuthorityCommand())
	root.AddCommand(newSyncCommand())
	return root
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// Command gatewayd runs a Noosphere gateway: a sphere-context server
// pinned to a block store that publishes pushed revisions and serves
// incremental CAR fetches to clients.
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/config"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/logging"
	"github.com/noosphere/sphereengine/pkg/sync"
)

func main() {
	// Load environment variables from a project .env if present, before
	// config.LoadFromEnv reads them.
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}

	log := logging.New(logging.Verbosity(cfg.NoosphereLog), os.Stderr)

	store, err := blockstore.NewBadger(cfg.StoragePath)
	if err != nil {
		log.WithError(err).Fatal("gatewayd: open block store")
	}
	defer store.Close()

	gwKey, err := identity.LoadOrGenerate(context.Background(), store, cfg.KeyName)
	if err != nil {
		log.WithError(err).Fatal("gatewayd: load gateway key")
	}
	log.WithField("did", gwKey.DID).Info("gatewayd: gateway identity")

	addr := cfg.Gateway.ListenAddr
	if addr == "" {
		addr = ":4433"
	}

	srv := sync.NewServer(&sync.Gateway{
		Identity: gwKey,
		Store:    store,
		Log:      log,
	}, addr)

	log.WithField("addr", addr).Info("gatewayd: listening")
	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("gatewayd: server")
	}
}

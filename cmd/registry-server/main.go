// The registry-server binary serves the federation registry API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/fedlab/registry-backend/cmd/flags"
	"github.com/fedlab/registry-backend/credential"
	"github.com/fedlab/registry-backend/hierarchy"
	"github.com/fedlab/registry-backend/httpserver"
	"github.com/fedlab/registry-backend/keystore"
	"github.com/fedlab/registry-backend/naming"
	"github.com/fedlab/registry-backend/policy"
	"github.com/fedlab/registry-backend/records"
)

func main() {
	app := &cli.App{
		Name:  "registry-server",
		Usage: "Serve the federation registry API",
		Flags: append([]cli.Flag{
			flags.InterfaceHRNFlag,
			flags.KeyStoreFlag,
			flags.DBFlag,
			flags.ListenAddrFlag,
		}, append(flags.CommonFlags, flags.ServerFlags...)...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "registry-server")
	ctx := context.Background()

	interfaceHRN, err := naming.ParseHRN(cCtx.String(flags.InterfaceHRNFlag.Name))
	if err != nil {
		logger.Error("Invalid interface HRN", "err", err)
		return err
	}

	keys, err := keystore.NewFactory(logger).StoreFor(cCtx.String(flags.KeyStoreFlag.Name))
	if err != nil {
		logger.Error("Failed to open key store", "err", err)
		return err
	}

	hier := hierarchy.New(keys, logger)

	// The server cannot answer anything without its own signing identity.
	if _, err := hier.Ensure(ctx, interfaceHRN); err != nil {
		logger.Error("Failed to ensure interface authority", "err", err)
		return err
	}

	pool, err := keystore.LoadTrustPool(ctx, keys, logger)
	if err != nil {
		logger.Error("Failed to load trusted roots", "err", err)
		return err
	}

	store, err := records.NewStore(cCtx.String(flags.DBFlag.Name), logger)
	if err != nil {
		logger.Error("Failed to open record store", "err", err)
		return err
	}
	defer store.Close()

	handler := httpserver.NewHandler(
		store,
		hier,
		credential.NewVerifier(pool, logger),
		policy.NewEngine(store, interfaceHRN, logger),
		logger,
	)

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
	server, err := httpserver.New(cfg, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")

	return nil
}

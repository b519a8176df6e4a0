package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"konform/internal/api"
	"konform/internal/auth"
	"konform/internal/catalog"
	"konform/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the konform API server",
	Long: `Starts the HTTP API on server.addr (default :8632). The service
catalog is watched for changes; SIGHUP forces a reload. SIGINT and
SIGTERM drain in-flight requests before exiting.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Catalog.Watch && a.catalog.Path() != "" {
		watcher, err := catalog.NewWatcher(a.catalog)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	server := api.New(api.Deps{
		Config:   cfg,
		Verifier: auth.NewStaticTokens(cfg.Server.Tokens),
		Orch:     a.orch,
		Fixer:    a.fixer,
		Ledger:   a.ledger,
		Store:    a.store,
		Catalog:  a.catalog,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logging.Info(logging.CategoryBoot, "SIGHUP: reloading catalog")
				if err := a.catalog.Reload(); err != nil {
					logging.Error(logging.CategoryCatalog, "reload failed: %v", err)
				}
				continue
			}
			logging.Info(logging.CategoryBoot, "%s: shutting down", sig)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		}
	}
}

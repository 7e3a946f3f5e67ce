package main

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/gateway"
	"github.com/ctrlsys/pvgate/internal/localdb"
	"github.com/ctrlsys/pvgate/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("listen", cfg.Server.Listen),
		zap.Duration("sweepInterval", cfg.Gateway.SweepInterval),
		zap.String("rewriteFrom", cfg.Gateway.RewriteFrom),
		zap.String("rewriteTo", cfg.Gateway.RewriteTo),
		zap.Bool("demo", cfg.Demo.Enabled),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Local database provider: the upstream source for the gateway and
	// the embedded second provider.
	db := localdb.NewProvider("pdb", logger)
	if cfg.Demo.Enabled {
		if err := localdb.InstallDemo(ctx, db, cfg.Demo.Interval, logger); err != nil {
			logger.Error("demo install failed", zap.Error(err))
			return err
		}
	}

	rewrite := gateway.Rewrite{From: cfg.Gateway.RewriteFrom, To: cfg.Gateway.RewriteTo}
	provider := gateway.NewProvider("gwserver", db, rewrite, cfg.Gateway.ReconnectPerSec, logger)
	go provider.Cache().Run(ctx, cfg.Gateway.SweepInterval)

	srv := server.NewServer(provider, cfg.Server.Compression, logger)
	router := server.NewRouter(srv, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server stopped")
	return nil
}

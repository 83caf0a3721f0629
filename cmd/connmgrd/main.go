package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/quantfabric/connmgr/internal/api"
	"github.com/quantfabric/connmgr/internal/config"
	"github.com/quantfabric/connmgr/internal/exchange"
	"github.com/quantfabric/connmgr/internal/logging"
	"github.com/quantfabric/connmgr/internal/manager"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	client := exchange.NewRESTClient()
	mgr := manager.New(cfg, client, manager.WithLogger(logger.Named("manager")))

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("failed to start connection manager", zap.Error(err))
	}

	srv := api.NewServer(cfg.Server, mgr, logger.Named("api"))

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("admin server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", zap.Error(err))
	}
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.Warn("manager shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

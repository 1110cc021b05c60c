package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/shared/config"
	"ledgerlink/internal/shared/logging"
	"ledgerlink/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("Application error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.WithError(err).Error("Telemetry shutdown failed")
			}
		}()
	}

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.DB.Migrate(ctx); err != nil {
		return err
	}

	// Webhook and async reconcile jobs need the pool even when the tick
	// loop is off.
	if cfg.Scheduler.Enabled {
		deps.Scheduler.Start(ctx)
	} else {
		deps.Pool.Start()
		logger.Info("Scheduler tick loop disabled (SCHEDULER_ENABLED=false)")
	}

	deps.Listener.Start(ctx)

	handler := SetupRoutes(deps, cfg, logger)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv, errCh := StartServer(addr, handler, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
		}
	}

	GracefulShutdown(srv, deps.Listener, deps.Scheduler, shutdownTimeout, logger)
	return nil
}

// Package main is the keystore HTTP server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/turtacn/keystore/internal/bootstrap"
	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/internal/infrastructure/monitoring"
	"github.com/turtacn/keystore/internal/interfaces/http/handlers"
	"github.com/turtacn/keystore/internal/interfaces/http/router"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/logger"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "keystore-server",
		Short:         "Serve the keystore management API",
		Version:       constants.ServiceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Printf("keystore-server: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// Logger for startup
	bootLogger, err := monitoring.NewZapLogger(&config.LogConfig{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("failed to create startup logger: %w", err)
	}

	loader := config.NewLoader(configPath, bootLogger)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = appLogger.Sync() }()

	// Only the log level is applied live; everything else needs a restart.
	loader.Watch(func(prev, next *config.Config) {
		if prev == nil || prev.Log.Level != next.Log.Level {
			appLogger.SetLevel(next.Log.Level)
			appLogger.Info(ctx, "log level changed", logger.String("level", appLogger.Level()))
		}
	})

	app, err := bootstrap.New(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		_ = app.Close(closeCtx)
	}()

	var routerOpts []router.Option
	if app.Limiter != nil {
		routerOpts = append(routerOpts, router.WithRateLimiter(app.Limiter))
	}
	r := router.NewRouter(
		&cfg.Server,
		appLogger,
		handlers.NewKeyHandler(app.Keys),
		handlers.NewHealthHandler(appLogger, app.Health...),
		app.Tracing.Tracer(),
		app.Metrics,
		promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}),
		routerOpts...,
	)

	if app.Revocations != nil {
		go func() { _ = app.Revocations.Run(ctx) }()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	appLogger.Info(context.Background(), "shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := r.Stop(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown failed", err)
		return err
	}
	return <-serveErr
}

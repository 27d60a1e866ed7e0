package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/payfriend/payfriend/internal/config"
	"github.com/payfriend/payfriend/internal/infra"
	"github.com/payfriend/payfriend/internal/logging"
	"github.com/payfriend/payfriend/internal/routes"
	"github.com/payfriend/payfriend/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	deps := routes.Deps{Cfg: cfg, Logger: logger}

	switch cfg.StoreBackend {
	case config.StorePostgres:
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "connect postgres", err)
		}
		defer db.Close()
		if err := infra.EnsureSchema(ctx, db); err != nil {
			fatal(logger, "ensure schema", err)
		}
		deps.DB = db
	case config.StoreMemory:
		logger.Warn("using in-memory store; data is lost on restart")
	}

	if cfg.StoreBackend == config.StoreDynamo || cfg.SNSEnabled {
		awsCfg, err := infra.NewAWSConfig(ctx, cfg)
		if err != nil {
			fatal(logger, "load aws config", err)
		}
		if cfg.StoreBackend == config.StoreDynamo {
			deps.Dynamo = infra.NewDynamoClient(awsCfg, cfg)
			if err := infra.BootstrapDynamo(ctx, deps.Dynamo, cfg.DynamoTables, logger); err != nil {
				fatal(logger, "bootstrap dynamodb", err)
			}
		}
		if cfg.SNSEnabled {
			deps.SNS = infra.NewSNSClient(awsCfg, cfg)
		}
	}

	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			fatal(logger, "connect redis", err)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		deps.Cache = cache
	}

	srv, err := server.New(deps)
	if err != nil {
		fatal(logger, "build server", err)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			fatal(logger, "server error", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		fatal(logger, "shutdown error", err)
	}

	logger.Info("server exited cleanly")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

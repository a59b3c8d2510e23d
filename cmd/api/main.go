package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/congo-pay/coinledger/internal/config"
	"github.com/congo-pay/coinledger/internal/idempotency"
	"github.com/congo-pay/coinledger/internal/infra"
	"github.com/congo-pay/coinledger/internal/logging"
	"github.com/congo-pay/coinledger/internal/notification"
	"github.com/congo-pay/coinledger/internal/routes"
	"github.com/congo-pay/coinledger/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Service: cfg.AppName,
		Env:     cfg.AppEnv,
		Text:    cfg.IsDevelopment(),
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	deps := routes.Deps{Cfg: cfg, Logger: logger}

	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := infra.Migrate(cfg.DatabaseURL, logger); err != nil {
				logger.Error("migrate postgres", "error", err)
				os.Exit(1)
			}
		}
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		deps.DB = db
	}

	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		deps.Cache = cache
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.AppName)
		if err != nil {
			logger.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		kafka := notification.NewKafkaNotifier(producer, cfg.KafkaTopic)
		defer func() {
			if err := kafka.Close(); err != nil {
				logger.Warn("close kafka", "error", err)
			}
		}()
		deps.Notifier = kafka
	} else {
		deps.Notifier = notification.NewLoggerNotifier(logger)
	}

	srv, err := server.New(ctx, deps)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		idempotency.Sweep(ctx, srv.Services().Store, cfg.IdempotencySweepInterval, logger)
	}()

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
		stop()
		<-sweepDone
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	stop()
	<-sweepDone

	logger.Info("server exited cleanly")
}

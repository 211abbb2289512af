package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mm-hedge-bot/internal/app"
	"mm-hedge-bot/internal/config"
	"mm-hedge-bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded",
		zap.String("path", *configPath),
		zap.Int("instances", len(cfg.Instances)),
		zap.Int("grids", len(cfg.Grids)),
	)

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	log.Info("app initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}

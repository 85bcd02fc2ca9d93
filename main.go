package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"docvault/internal/app"
	"docvault/internal/config"
	"docvault/internal/logger"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("docvault stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg, nil)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, deps, log)
	if err != nil {
		_ = deps.Close(context.Background())
		return err
	}
	return application.Run(ctx)
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetforge/preload/cmd/preload/config"
	"github.com/fleetforge/preload/lib/logger"
	"github.com/fleetforge/preload/lib/preload"
	"github.com/fleetforge/preload/lib/system"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.NewContext(ctx, log)

	log.InfoContext(ctx, "starting preload", "image", cfg.ImagePath, "app_id", cfg.AppID)

	p := preload.New(system.ExecRunner{}, cfg)
	return p.Run(ctx)
}

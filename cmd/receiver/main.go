package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "time/tzdata"

	"github.com/samvad-hq/samvad-article-sync/internal/app"
	"github.com/samvad-hq/samvad-article-sync/internal/config"
	"github.com/samvad-hq/samvad-article-sync/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "receiver start failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sugared, err := logger.Init(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()
	log := logger.New(sugared)

	logger.InfoObj("receiver starting", "config", map[string]any{
		"app":       cfg.AppName,
		"env":       cfg.Env,
		"http_addr": cfg.HTTPAddr,
		"site_url":  cfg.SiteURL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	receiver, err := app.NewReceiver(ctx, cfg, log)
	if err != nil {
		logger.ErrorObj("failed to initialize receiver", "error", err.Error())
		return err
	}

	if err := receiver.Run(ctx); err != nil {
		return fmt.Errorf("receiver run: %w", err)
	}
	return nil
}

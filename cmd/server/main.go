package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/chatboard/internal/logging"
	"github.com/Tyrowin/chatboard/internal/server"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHATBOARD_CONFIG"), "path to a config file (yaml, json or toml)")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting chatboard server")

	app, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

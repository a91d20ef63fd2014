package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"telehook/internal/config"
	"telehook/internal/ledger"
	"telehook/internal/message"
	"telehook/internal/relay"
	"telehook/internal/server"
	"telehook/internal/telegram"
	"telehook/internal/telemetry"
	"telehook/internal/tenant"
)

func main() {
	// Load .env file if it exists; never overrides variables already set.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("telehook", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	registry := tenant.NewRegistry(tenant.ParseKeyMap(cfg.APIKeys), cfg.DefaultChatID)
	if !registry.CanResolve() {
		log.Fatalf("Invalid config: set TELEHOOK_DEFAULT_CHAT_ID or bind a chat id to at least one key in TELEHOOK_API_KEYS")
	}

	client, err := telegram.New(cfg.BotToken, cfg.DisableLinkPreview, logger)
	if err != nil {
		log.Fatalf("Failed to create telegram client: %v", err)
	}

	controller := relay.New(
		registry,
		&message.Normalizer{DefaultThreadID: cfg.DefaultThreadID},
		client,
		ledger.New(),
		logger,
	)

	srv := server.New(cfg.ServerPort, logger)
	controller.Mount(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

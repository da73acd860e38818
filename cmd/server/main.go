package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/logging"
	"github.com/MegaGrindStone/streamchat/internal/middleware"
)

const errLoggerKey = "err"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgDir = filepath.Join(cfgDir, "streamchat")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	cfgFilePath := os.Getenv("STREAMCHAT_CONFIG")
	if cfgFilePath == "" {
		cfgFilePath = filepath.Join(cfgDir, "config.yaml")
	}
	cfgFile, err := os.Open(cfgFilePath)
	if err != nil {
		return fmt.Errorf("error opening config file: %w", err)
	}
	cfg, err := loadConfig(cfgFile)
	cfgFile.Close()
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := cfg.Store.store(ctx, cfgDir)
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("Failed to close store", slog.String(errLoggerKey, err.Error()))
		}
	}()

	identity, err := cfg.Identity.identity()
	if err != nil {
		return err
	}

	m := handlers.NewMain(llm, store, cfg.handlersConfig(), logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(identity, middleware.RateLimit(ctx, cfg.rateLimitConfig())),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown relays", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("store", cfg.Store.Type),
			slog.String("identity", cfg.Identity.Mode))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	return nil
}

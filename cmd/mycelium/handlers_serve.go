package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Shin0205go/mycelium-sub001/internal/gateway"
	"github.com/Shin0205go/mycelium-sub001/internal/observability"
)

// shutdownTimeout bounds how long serve waits for backends to exit.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command: configuration loading, gateway
// startup, the stdio serve loop, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	// stdout carries the MCP stream; a logger writing there would corrupt it.
	if strings.EqualFold(strings.TrimSpace(cfg.Logging.Output), "stdout") {
		return fmt.Errorf("logging.output %q would corrupt the protocol stream; use stderr or a file", cfg.Logging.Output)
	}
	logOut, closeLog, err := observability.OpenLogOutput(cfg.Logging.Output)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    logOut,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting mycelium gateway",
		"version", version,
		"commit", commit,
		"config", resolveConfigPath(configPath),
		"backends", len(cfg.Backends),
		"skills_dir", cfg.Skills.Dir,
	)

	gw, err := gateway.New(cfg, gateway.Options{
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	// Cancel on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Serve(ctx, os.Stdin, os.Stdout)
	}()

	logger.Info("gateway serving on stdio", "session_id", gw.SessionID())

	// The serve loop returns when the client closes stdin; a signal
	// cancels the context instead.
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return serveErr
}

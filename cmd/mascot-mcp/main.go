// Command mascot-mcp serves the speak tool over MCP on stdio. Stdout belongs
// to the protocol, so logs and local traces go to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-mascot/internal/config"
	"github.com/loqalabs/loqa-mascot/internal/mcpserver"
	"github.com/loqalabs/loqa-mascot/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		traces      bool
	)

	flag.StringVar(&configPath, "config", os.Getenv("MASCOT_CONFIG"), "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&traces, "traces", false, "Write spans to stderr when no OTLP endpoint is configured")
	flag.Parse()

	if showVersion {
		fmt.Fprintln(os.Stderr, version)
		return
	}

	logger := runtime.NewLogger(os.Stderr, "info")
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel).With(slog.String("version", version))

	if err := run(cfg, traces, logger); err != nil {
		logger.Error("mcp server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, traces bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var traceOut io.Writer
	if traces {
		traceOut = os.Stderr
	}
	shutdownTelemetry, metricsHandler, err := runtime.SetupTelemetry(cfg, traceOut, logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	runtime.ServeMetrics(ctx, cfg.Telemetry.PrometheusBind, metricsHandler, logger)

	stack, err := runtime.NewSpeechStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	srv := mcpserver.New(stack.Tool, logger)
	if err := srv.Serve(ctx, os.Stdin, os.Stdout, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

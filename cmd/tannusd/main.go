// Command tannusd is the Tannus server daemon. It serves the planning,
// tracking and indefinite-session API, runs the periodic cache sweep and
// stalled-session monitor, and optionally re-imports plan markdown edited
// on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tannus-ai/tannus/config"
	"github.com/tannus-ai/tannus/internal/version"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file (defaults apply when empty)")
		addr       = flag.String("addr", "", "listen address, overrides server.addr")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tannusd: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting tannusd",
		"version", version.Version,
		"commit", version.Commit,
		"storage", cfg.Storage.Driver,
		"provider", cfg.Provider.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := a.run(ctx); err != nil {
		logger.Error("tannusd exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// loadConfig reads path, or starts from the defaults when path is empty.
// Environment overrides apply either way.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.DefaultConfig()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Package main is the entry point for the code runner server.
//
// The main package stays minimal: read configuration, build the logger, hand
// both to internal/server and block until shutdown. All real logic lives in
// the internal packages.
package main

import (
	"log/slog"
	"os"

	"github.com/sakif/code-runner/internal/config"
	"github.com/sakif/code-runner/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	// Every key has a default; see internal/config for the full list.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	// === 3. CREATE AND START THE SERVER ===
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM).
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// Command mcp-salesforce serves Salesforce CRM operations as MCP tools over
// HTTP. Configuration comes from the environment (optionally a .env file);
// the upstream connection is established lazily on the first tool call.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/forcebridge/mcp-salesforce/internal/config"
	"github.com/forcebridge/mcp-salesforce/internal/gateway"
	"github.com/forcebridge/mcp-salesforce/internal/salesforce"
)

func main() {
	// Best effort: a missing .env simply means the environment is already set.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := salesforce.NewProvider(cfg.Salesforce, logger)
	gw := gateway.New(provider, &gateway.Options{
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		Transport: cfg.Transport,
		APIKey:    cfg.APIKey,
		Logger:    logger,
	})

	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway shut down")
}

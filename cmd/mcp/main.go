package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	mcpadapter "github.com/kirillkom/askrag/internal/adapters/mcp"
	"github.com/kirillkom/askrag/internal/bootstrap"
	"github.com/kirillkom/askrag/internal/config"
	"github.com/kirillkom/askrag/internal/observability/logging"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol.
	logger := logging.NewJSONLoggerTo(os.Stderr, "mcp", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		app.RunMaintenance(ctx)
	}()

	srv := mcpadapter.NewServer(app.IngestUC, app.AskUC).MCPServer("askrag", version)
	slog.Info("mcp_serving", "transport", "stdio")
	if err := server.ServeStdio(srv); err != nil {
		slog.Error("mcp_server_failed", "error", err)
	}

	stop()
	<-done
}

// ABOUTME: Entry point for the standalone timezone tool server
// ABOUTME: Serves get_current_time and convert_time over JSON-RPC

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/converse/internal/logging"
	"github.com/2389/converse/internal/mcpserver"
)

func main() {
	addr := flag.String("addr", ":8091", "listen address")
	token := flag.String("token", os.Getenv("TIMEZONE_MCP_TOKEN"), "bearer token required from callers (empty disables auth)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (text, json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *token, *logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, token, logLevel, logFormat string) error {
	logger := logging.Setup(logLevel, logFormat)

	s := mcpserver.New(logger)
	if token != "" {
		s.RequireBearer(token)
	}
	for _, tool := range mcpserver.TimezoneTools(nil) {
		s.Register(tool)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("timezone-mcp listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

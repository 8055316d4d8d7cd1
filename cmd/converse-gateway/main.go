// ABOUTME: Entry point for the converse-gateway chat server
// ABOUTME: Wires the store, engine, and session layer behind one HTTP listener

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/2389/converse/internal/auth"
	"github.com/2389/converse/internal/composer"
	"github.com/2389/converse/internal/config"
	"github.com/2389/converse/internal/engine"
	"github.com/2389/converse/internal/logging"
	"github.com/2389/converse/internal/mcpclient"
	"github.com/2389/converse/internal/memory"
	"github.com/2389/converse/internal/model"
	"github.com/2389/converse/internal/registry"
	"github.com/2389/converse/internal/router"
	"github.com/2389/converse/internal/session"
	"github.com/2389/converse/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ ___  _ ____   _____ _ __ ___  ___
 / __/ _ \| '_ \ \ / / _ \ '__/ __|/ _ \
| (_| (_) | | | \ V /  __/ |  \__ \  __/
 \___\___/|_| |_|\_/ \___|_|  |___/\___|
`

// getConfigPath returns the path to the gateway config file.
// Priority: CONVERSE_CONFIG env var > XDG_CONFIG_HOME/converse/gateway.yaml > ~/.config/converse/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONVERSE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "converse", "gateway.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s\n", cfg.Model.Name)
	fmt.Println()

	logger.Info("starting converse-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("store close failed", "error", closeErr)
		}
	}()

	completer := model.NewOpenAIClient(
		cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name, cfg.Model.Timeout, logger)
	mcp := mcpclient.NewClient(cfg.Tools.InvokeTimeout, logger)
	reg := registry.New(db, mcp, cfg.Tools.DiscoveryTimeout, cfg.Tools.DiscoveryTTL, logger)
	mem := memory.NewManager(db, completer, cfg.Memory.SummaryWindow, logger)

	eng := engine.New(db, mem, reg, router.New(completer, logger), mcp,
		composer.New(completer, logger), logger)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	hub := session.NewHub(logger)
	defer hub.Close()
	sessions := session.NewServer(eng, verifier, hub, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Handle("/ws", sessions)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("gateway listening", "addr", cfg.Server.HTTPAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

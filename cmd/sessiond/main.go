// LedgerDesk session agent.
//
// sessiond is the local companion process for the LedgerDesk desktop client.
// It owns the authenticated session: the multi-step login flow, token
// lifecycle and refresh, the inactivity policy, and the permission-filtered
// navigation tree. The UI shell talks to it over a loopback HTTP/WebSocket
// bridge and never touches tokens directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ledgerdesk/sessiond/internal/activity"
	"github.com/ledgerdesk/sessiond/internal/authz"
	"github.com/ledgerdesk/sessiond/internal/bridge"
	"github.com/ledgerdesk/sessiond/internal/gateway"
	"github.com/ledgerdesk/sessiond/internal/guard"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/config"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/logging"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/storage"
	"github.com/ledgerdesk/sessiond/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/sessiond.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting sessiond",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the local state store
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer func() {
		log.Info("closing state store")
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing state store", "error", closeErr)
		}
	}()
	log.Info("state store opened", "path", store.Path())

	// Gateway and session machine reference each other, so construction is
	// two-phase: gateway first, then the manager, then the binding.
	gw := gateway.New(cfg.Backend, log)
	sessions := session.NewManager(gw, store, session.PolicyByName(cfg.Session.VerifyPolicy), log)
	gw.BindTokens(sessions)
	log.Info("gateway bound", "backend", cfg.Backend.BaseURL)

	// Restore any persisted session before the bridge accepts requests.
	if err := sessions.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrating session: %w", err)
	}

	// Navigation tree (optional)
	var menu []authz.MenuNode
	if cfg.Menu.Path != "" {
		menu, err = authz.LoadMenu(cfg.Menu.Path)
		if err != nil {
			return fmt.Errorf("loading menu: %w", err)
		}
		log.Info("menu loaded", "path", cfg.Menu.Path, "entries", len(menu))
	}

	sessionGuard := guard.New(cfg.Session.HydrateGraceDuration())

	// The activity monitor publishes its warning lifecycle through the
	// event hub, and the bridge exposes the monitor's controls, so the hub
	// is created first and injected into the bridge.
	hub := bridge.NewHub(cfg.Bridge.WebSocket, log)

	monitor := activity.NewMonitor(
		cfg.Activity,
		sessions,
		gw,
		store,
		activity.NewScheduler(),
		log,
		func(w activity.Warning) { hub.Broadcast(bridge.EventSessionExpiring, w) },
		func() { hub.Broadcast(bridge.EventWarningDismissed, nil) },
	)
	defer monitor.Stop()

	// Any session end clears the idle timers, whatever triggered it: user
	// logout, refresh failure, failed re-validation.
	unsubscribe := sessions.Subscribe(func(u session.Update) {
		if u.Reason != "" {
			monitor.Stop()
		}
	})
	defer unsubscribe()

	// An authenticated restore arms the idle clock immediately; otherwise
	// the monitor starts on the first completed login.
	if sessions.Snapshot().Authenticated {
		monitor.Start(ctx)
		log.Info("activity monitor armed from restored session")
	}

	srv, err := bridge.New(bridge.Deps{
		Config:      cfg.Bridge,
		Logger:      log,
		Sessions:    sessions,
		Monitor:     monitor,
		Guard:       sessionGuard,
		Menu:        menu,
		Store:       store,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing bridge", "error", closeErr)
		}
	}()

	if err := store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Bridge (stop accepting UI requests)
	// 2. Activity monitor (clear timers)
	// 3. State store

	log.Info("sessiond stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SESSIOND_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SESSIOND_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// Command bridge-server is the botbridge relay process.
// It loads configuration, initialises node identity, opens the message
// store, and serves the HTTP and WebSocket surfaces.
//
// Usage:
//
//	bridge-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/snehjoshi/botbridge/internal/config"
	"github.com/snehjoshi/botbridge/internal/metrics"
	"github.com/snehjoshi/botbridge/internal/node"
	"github.com/snehjoshi/botbridge/internal/registry"
	"github.com/snehjoshi/botbridge/internal/router"
	"github.com/snehjoshi/botbridge/internal/store"
	transphttp "github.com/snehjoshi/botbridge/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "botbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("botbridge starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"storage", cfg.Storage.Backend,
	)

	// ── 4. Open the message store ────────────────────────────────────────────
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// ── 5. Initialise registry, metrics, router ──────────────────────────────
	reg := registry.New()
	metricsReg := &metrics.Registry{}
	rt := router.New(st, reg, router.WithMetrics(metricsReg))

	// ── 6. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(rt, st, reg, cfg, string(n.ID()), metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("botbridge ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 7. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if err := st.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}

	slog.Info("botbridge stopped")
	return nil
}

// openStore opens the configured storage backend. Relative paths resolve
// under node.data_dir.
func openStore(cfg *config.Config) (store.Store, error) {
	path := cfg.Storage.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Node.DataDir, path)
	}

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return store.OpenSQLite(path)
	case config.BackendBolt:
		return store.OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

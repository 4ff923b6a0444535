package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/browserhost/pkg/browser"
	"github.com/odvcencio/browserhost/pkg/browser/worker"
	"github.com/odvcencio/browserhost/pkg/config"
	"github.com/odvcencio/browserhost/pkg/logging"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "browserhost: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("browserhost", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to browserhost.yaml (default: search working directory)")
	bind := fs.String("bind", "", "metrics/health bind address (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("browserhost %s (%s, built %s)\n", version, commit, buildDate)
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*bind) != "" {
		cfg.Metrics.Bind = *bind
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runtime, err := worker.NewRuntime(worker.FromConfig(cfg), logger)
	if err != nil {
		return err
	}
	if err := runtime.Start(ctx); err != nil {
		return err
	}
	manager := browser.NewManager(runtime)
	defer func() {
		_ = manager.Close()
		_ = runtime.Close()
	}()

	logger.Info(logging.CategorySupervisor, "daemon_started", "browserhost is up", map[string]any{
		"version": version,
		"port":    cfg.Worker.Port,
	})

	if !cfg.Metrics.Enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(runtime, manager))

	server := &http.Server{
		Addr:              cfg.Metrics.Bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	var logger *logging.Logger
	if strings.TrimSpace(cfg.Logging.Dir) != "" {
		fileLogger, err := logging.NewLogger(cfg.Logging.Dir)
		if err != nil {
			return nil, err
		}
		logger = fileLogger
	} else {
		logger = logging.NewWriterLogger(os.Stderr)
	}
	if level := strings.TrimSpace(cfg.Logging.Level); level != "" {
		logger.SetMinLevel(logging.Level(level))
	}
	return logger, nil
}

type healthStatus struct {
	Status     string `json:"status"`
	Worker     string `json:"worker"`
	Connection string `json:"connection"`
	Sessions   int    `json:"sessions"`
	Version    string `json:"version"`
}

// healthHandler reports worker process and channel health. The endpoint
// degrades to 503 when either half is down so orchestrators can restart
// the daemon.
func healthHandler(runtime *worker.Runtime, manager *browser.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Status:     "ok",
			Worker:     runtime.Supervisor().State().String(),
			Connection: runtime.Client().State().String(),
			Sessions:   manager.SessionCount(),
			Version:    version,
		}
		code := http.StatusOK
		if !runtime.Supervisor().IsRunning() || !runtime.Client().IsConnected() {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

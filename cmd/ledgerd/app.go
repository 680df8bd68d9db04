package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"burnerchat/internal/codec"
	"burnerchat/internal/ledger"
	"burnerchat/internal/telemetry"
)

const (
	serviceName       = "ledgerd"
	readHeaderTimeout = 5 * time.Second
)

type appConfig struct {
	Addr            string        `env:"LEDGERD_ADDR"             envDefault:"127.0.0.1:8787"`
	DBPath          string        `env:"LEDGERD_DB_PATH"          envDefault:"ledger.db"`
	LogLevel        slog.Level    `env:"LEDGERD_LOG_LEVEL"        envDefault:"info"`
	OTLPEndpoint    string        `env:"LEDGERD_OTLP_ENDPOINT"`
	ShutdownTimeout time.Duration `env:"LEDGERD_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func run() error {
	cfg, err := loadConfig(env.ToMap(os.Environ()))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces failed", "error", err)
		}
	}()

	store, err := ledger.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	metrics := telemetry.NewMetrics()
	hub, err := ledger.NewHub(ledger.HubConfig{
		Store:   store,
		Codec:   codec.MustNewCBOR(),
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	logger.Info("ledgerd listening", "addr", listener.Addr().String(), "db_path", cfg.DBPath)

	return serve(ctx, listener, hub, metrics, cfg.ShutdownTimeout)
}

func loadConfig(environment map[string]string) (appConfig, error) {
	var cfg appConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return appConfig{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	if cfg.Addr == "" {
		return appConfig{}, fmt.Errorf("LEDGERD_ADDR is required")
	}
	if cfg.DBPath == "" {
		return appConfig{}, fmt.Errorf("LEDGERD_DB_PATH is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		return appConfig{}, fmt.Errorf("LEDGERD_SHUTDOWN_TIMEOUT must be > 0")
	}

	return cfg, nil
}

func newMux(hub *ledger.Hub, metrics *telemetry.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "ok clients=%d\n", hub.Count())
	})

	return mux
}

// serve runs the HTTP server until ctx ends, then disconnects WebSocket
// clients and drains remaining requests within shutdownTimeout.
func serve(
	ctx context.Context,
	listener net.Listener,
	hub *ledger.Hub,
	metrics *telemetry.Metrics,
	shutdownTimeout time.Duration,
) error {
	server := &http.Server{
		Handler:           newMux(hub, metrics),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		// Shutdown does not track hijacked connections.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})

	return group.Wait()
}

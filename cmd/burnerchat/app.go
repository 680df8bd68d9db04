package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"burnerchat/internal/session"
	"burnerchat/internal/telemetry"
	"burnerchat/internal/transport"
	"burnerchat/internal/transport/ws"
)

const (
	serviceName               = "burnerchat"
	defaultConfigFilePath     = "config/burnerchat.json"
	alternateConfigFilePath   = "bin/config/burnerchat.json"
	defaultShutdownTimeout    = 10 * time.Second
	defaultHandlerTimeout     = 3 * time.Second
	defaultSubscriptionBuffer = 64
	envLedgerTransportName    = "ledger"
	metricsReadHeaderTimeout  = 5 * time.Second
)

type appConfig struct {
	logLevel     slog.Level
	username     string
	identityFile string
	metricsAddr  string
	otlpEndpoint string

	shutdownTimeout    time.Duration
	handlerTimeout     time.Duration
	subscriptionBuffer int

	transports []transport.Definition
}

// envOverrides are deployment knobs that win over the config file.
type envOverrides struct {
	ConfigFile   string `env:"BURNERCHAT_CONFIG_FILE"`
	LogLevel     string `env:"BURNERCHAT_LOG_LEVEL"`
	Username     string `env:"BURNERCHAT_USERNAME"`
	IdentityFile string `env:"BURNERCHAT_IDENTITY_FILE"`
	LedgerURL    string `env:"BURNERCHAT_LEDGER_URL"`
	MetricsAddr  string `env:"BURNERCHAT_METRICS_ADDR"`
	OTLPEndpoint string `env:"BURNERCHAT_OTLP_ENDPOINT"`
}

type fileConfig struct {
	LogLevel     string               `json:"log_level"`
	Username     string               `json:"username"`
	IdentityFile string               `json:"identity_file"`
	MetricsAddr  string               `json:"metrics_addr"`
	OTLPEndpoint string               `json:"otlp_endpoint"`
	Session      fileSessionConfig    `json:"session"`
	Transports   []fileTransportEntry `json:"transports"`
}

type fileSessionConfig struct {
	ShutdownTimeout    string `json:"shutdown_timeout"`
	HandlerTimeout     string `json:"handler_timeout"`
	SubscriptionBuffer *int   `json:"subscription_buffer"`
}

type fileTransportEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

func run() error {
	registry, err := transport.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin transport registry: %w", err)
	}

	cfg, err := loadConfig(env.ToMap(os.Environ()), registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// stdout belongs to the chat transcript.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, serviceName, cfg.otlpEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer flush(logger, "traces", cfg.shutdownTimeout, shutdownTracing)

	self, err := loadIdentity(cfg.identityFile)
	if err != nil {
		return err
	}
	logger.Info("burnerchat identity ready", "agent", self.String(), "persistent", cfg.identityFile != "")

	runtime, err := registry.Build(ctx, cfg.transports, transport.Environment{Agent: self, Logger: logger})
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	defer func() {
		if err := runtime.Close(); err != nil {
			logger.Warn("close transport failed", "transport", runtime.Name, "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	sess, err := session.New(self, runtime.Remote,
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithUsername(cfg.username),
		session.WithShutdownTimeout(cfg.shutdownTimeout),
		session.WithDefaultHandlerTimeout(cfg.handlerTimeout),
		session.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
	)
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer flush(logger, "session", cfg.shutdownTimeout, sess.Close)

	console, err := newConsole(ctx, sess, os.Stdout)
	if err != nil {
		return err
	}
	defer console.Close(context.WithoutCancel(ctx))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return console.Run(groupCtx, readLines(os.Stdin))
	})
	if runtime.Done != nil {
		group.Go(func() error {
			select {
			case <-runtime.Done:
				return fmt.Errorf("transport %s disconnected", runtime.Name)
			case <-groupCtx.Done():
				return nil
			}
		})
	}
	if cfg.metricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.metricsAddr, metrics.Handler(), cfg.shutdownTimeout)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func flush(logger *slog.Logger, what string, timeout time.Duration, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("shutdown failed", "component", what, "error", err)
	}
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("serve metrics on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		<-errs
		return nil
	}
}

func loadConfig(environment map[string]string, registry *transport.Registry) (appConfig, error) {
	var overrides envOverrides
	if err := env.ParseWithOptions(&overrides, env.Options{Environment: environment}); err != nil {
		return appConfig{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath(overrides)
	if err != nil {
		return appConfig{}, err
	}
	if configFile != "" {
		if err := applyConfigFile(&cfg, configFile); err != nil {
			return appConfig{}, err
		}
	}
	if err := applyEnvOverrides(&cfg, overrides); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// resolveConfigFilePath returns "" when no file exists and the ledger URL
// comes from the environment.
func resolveConfigFilePath(overrides envOverrides) (string, error) {
	if configFile := strings.TrimSpace(overrides.ConfigFile); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	if strings.TrimSpace(overrides.LedgerURL) != "" {
		return "", nil
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set BURNERCHAT_CONFIG_FILE or BURNERCHAT_LEDGER_URL",
		defaultConfigFilePath,
		alternateConfigFilePath,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		shutdownTimeout:    defaultShutdownTimeout,
		handlerTimeout:     defaultHandlerTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,

		transports: make([]transport.Definition, 0),
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}
	cfg.username = strings.TrimSpace(parsed.Username)
	cfg.identityFile = strings.TrimSpace(parsed.IdentityFile)
	cfg.metricsAddr = strings.TrimSpace(parsed.MetricsAddr)
	cfg.otlpEndpoint = strings.TrimSpace(parsed.OTLPEndpoint)

	if rawTimeout := strings.TrimSpace(parsed.Session.ShutdownTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration("session.shutdown_timeout", rawTimeout)
		if err != nil {
			return err
		}
		cfg.shutdownTimeout = timeout
	}
	if rawTimeout := strings.TrimSpace(parsed.Session.HandlerTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration("session.handler_timeout", rawTimeout)
		if err != nil {
			return err
		}
		cfg.handlerTimeout = timeout
	}
	if parsed.Session.SubscriptionBuffer != nil {
		if *parsed.Session.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse session.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *parsed.Session.SubscriptionBuffer
	}

	cfg.transports = make([]transport.Definition, 0, len(parsed.Transports))
	for index, entry := range parsed.Transports {
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse transports[%d].config: required", index)
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		cfg.transports = append(cfg.transports, transport.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
	}

	return nil
}

// applyEnvOverrides layers environment values over the file. A ledger URL
// replaces every configured transport with a single ws definition.
func applyEnvOverrides(cfg *appConfig, overrides envOverrides) error {
	if rawLevel := strings.TrimSpace(overrides.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse BURNERCHAT_LOG_LEVEL: %w", err)
		}
		cfg.logLevel = level
	}
	if username := strings.TrimSpace(overrides.Username); username != "" {
		cfg.username = username
	}
	if identityFile := strings.TrimSpace(overrides.IdentityFile); identityFile != "" {
		cfg.identityFile = identityFile
	}
	if metricsAddr := strings.TrimSpace(overrides.MetricsAddr); metricsAddr != "" {
		cfg.metricsAddr = metricsAddr
	}
	if endpoint := strings.TrimSpace(overrides.OTLPEndpoint); endpoint != "" {
		cfg.otlpEndpoint = endpoint
	}
	if ledgerURL := strings.TrimSpace(overrides.LedgerURL); ledgerURL != "" {
		raw, err := json.Marshal(map[string]string{"url": ledgerURL})
		if err != nil {
			return fmt.Errorf("encode BURNERCHAT_LEDGER_URL: %w", err)
		}
		cfg.transports = []transport.Definition{{
			Name:    envLedgerTransportName,
			Type:    ws.TransportType,
			Enabled: true,
			Config:  raw,
		}}
	}

	return nil
}

func validateAppConfig(cfg *appConfig, registry *transport.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil transport registry")
	}

	enabled := 0
	seen := make(map[string]struct{}, len(cfg.transports))
	for _, definition := range cfg.transports {
		if definition.Name == "" {
			return fmt.Errorf("transports[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("transports[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("transports[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if !registry.Supports(definition.Type) {
			return fmt.Errorf("transports[%s].type: unsupported type %q", definition.Name, definition.Type)
		}
		enabled++
	}
	if enabled != 1 {
		return fmt.Errorf("exactly one enabled transport is required, found %d", enabled)
	}

	return nil
}

func parsePositiveDuration(field, raw string) (time.Duration, error) {
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return value, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

package session

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"burnerchat/internal/telemetry"
	"burnerchat/pkg/burner"
)

const (
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 64
	defaultHandlerTimeout     = 3 * time.Second
)

// config stores resolved session settings after option application.
type config struct {
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	handlerTimeout     time.Duration
	username           string
	codec              burner.Codec
	logger             *slog.Logger
	metrics            *telemetry.Metrics
	tracer             trace.Tracer
	onAsyncError       func(context.Context, string, error)
}

// Option mutates session construction configuration.
type Option func(*config)

func defaultConfig() config {
	logger := slog.Default()

	return config{
		shutdownTimeout:    defaultShutdownTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,
		handlerTimeout:     defaultHandlerTimeout,
		logger:             logger,
		onAsyncError:       logAsyncError(logger),
	}
}

func logAsyncError(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "burnerchat async error", "scope", scope, "error", err)
	}
}

// WithShutdownTimeout bounds how long Close waits for subscribers and
// background loads.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithDefaultSubscriptionBuffer configures default subscriber queue depth.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultHandlerTimeout configures default per-signal handler timeout.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithUsername sets the initial display name sent with channel calls.
func WithUsername(username string) Option {
	return func(cfg *config) {
		cfg.username = username
	}
}

// WithCodec replaces the default CBOR entry codec.
func WithCodec(codec burner.Codec) Option {
	return func(cfg *config) {
		if codec != nil {
			cfg.codec = codec
		}
	}
}

// WithLogger configures the logger used by the session and the default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = logAsyncError(logger)
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = metrics
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *config) {
		if tracer != nil {
			cfg.tracer = tracer
		}
	}
}

// WithAsyncErrorHandler configures reporting of background load and
// subscriber failures.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

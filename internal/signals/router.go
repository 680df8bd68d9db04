// Package signals routes asynchronous push signals into cache updates and
// presentation-layer notifications.
//
// The router holds one piece of state, the active channel, which gates
// whether a channel-bound signal is relevant. Routing never fails from the
// caller's perspective: malformed, irrelevant, and unknown signals are
// dropped, and failures of follow-up work are logged.
package signals

import (
	"context"
	"log/slog"
	"sync"

	"burnerchat/internal/eventbus"
	"burnerchat/internal/telemetry"
	"burnerchat/pkg/burner"
)

// MembershipLoader refreshes and invalidates the membership view of a channel.
//
// InvalidateMembers must also keep loads already in flight for the channel
// from publishing, so a rejoin only sees members fetched after the burn.
type MembershipLoader interface {
	FetchMembers(ctx context.Context, channel burner.ChannelID) (burner.Membership, error)
	InvalidateMembers(channel burner.ChannelID)
}

// Config wires router collaborators.
type Config struct {
	Members MembershipLoader
	// Sink receives forwarded signals. Forwarding is skipped when nil.
	Sink    burner.SignalSink
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Router dispatches push signals by their signalType discriminant.
type Router struct {
	members MembershipLoader
	sink    burner.SignalSink
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	active burner.ChannelID
}

// NewRouter creates a router with no active channel.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		members: cfg.Members,
		sink:    cfg.Sink,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// SetActiveChannel changes the gating channel. The empty channel clears it.
func (r *Router) SetActiveChannel(channel burner.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = channel
}

// ActiveChannel returns the gating channel and whether one is set.
func (r *Router) ActiveChannel() (burner.ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.active, r.active != ""
}

func (r *Router) isActive(channel burner.ChannelID) bool {
	active, ok := r.ActiveChannel()
	return ok && channel == active
}

// HandleSignal routes one signal. It matches burner.SignalHandlerFunc so it
// can be registered directly on a burner.SignalSource.
func (r *Router) HandleSignal(ctx context.Context, signal burner.Signal) {
	err := eventbus.RunSafely("route signal", func() error {
		r.route(ctx, &signal)
		return nil
	})
	if err != nil {
		r.metrics.Signal(string(signal.Type), telemetry.DispositionDropped)
		r.logger.ErrorContext(ctx, "signal routing failed",
			"signal_type", string(signal.Type),
			"channel", string(signal.Channel),
			"error", err,
		)
	}
}

func (r *Router) route(ctx context.Context, signal *burner.Signal) {
	if err := signal.Validate(); err != nil {
		r.drop(ctx, signal, "invalid signal", err)
		return
	}

	switch signal.Type {
	case burner.SignalJoinChannel:
		r.routeJoin(ctx, signal)
	case burner.SignalMessage:
		if !r.isActive(signal.Channel) {
			r.ignore(ctx, signal)
			return
		}
		r.forward(ctx, signal)
	case burner.SignalBurnChannel:
		r.routeBurn(ctx, signal)
	case burner.SignalEmojiCannon:
		r.forward(ctx, signal)
	default:
		r.drop(ctx, signal, "unknown signal type", nil)
	}
}

// routeJoin refreshes the active channel's membership from remote.
func (r *Router) routeJoin(ctx context.Context, signal *burner.Signal) {
	if !r.isActive(signal.Channel) {
		r.ignore(ctx, signal)
		return
	}
	if r.members == nil {
		r.drop(ctx, signal, "membership loader not configured", nil)
		return
	}

	r.metrics.Signal(string(signal.Type), telemetry.DispositionRefetch)
	membership, err := r.members.FetchMembers(ctx, signal.Channel)
	if err != nil {
		r.logger.WarnContext(ctx, "refresh channel members failed",
			"channel", string(signal.Channel),
			"error", err,
		)
		return
	}
	if !r.isActive(signal.Channel) {
		// The channel was burned or switched while the refresh was in flight.
		r.evict(signal.Channel)
		return
	}

	r.logger.DebugContext(ctx, "channel members refreshed",
		"channel", string(signal.Channel),
		"members", membership.Len(),
	)
}

// routeBurn invalidates the active channel's membership and forwards the burn.
//
// Burning is advisory: the active channel stays selected, so a later join of
// the same channel name rebuilds membership from a fresh fetch.
func (r *Router) routeBurn(ctx context.Context, signal *burner.Signal) {
	if !r.isActive(signal.Channel) {
		r.ignore(ctx, signal)
		return
	}

	r.evict(signal.Channel)
	r.metrics.Signal(string(signal.Type), telemetry.DispositionMerged)
	r.forward(ctx, signal)
}

func (r *Router) evict(channel burner.ChannelID) {
	if r.members != nil {
		r.members.InvalidateMembers(channel)
	}
}

func (r *Router) forward(ctx context.Context, signal *burner.Signal) {
	r.metrics.Signal(string(signal.Type), telemetry.DispositionForward)
	if r.sink == nil {
		return
	}

	forwarded := *signal
	if err := r.sink.Publish(ctx, &forwarded); err != nil {
		r.logger.WarnContext(ctx, "forward signal failed",
			"signal_type", string(signal.Type),
			"channel", string(signal.Channel),
			"error", err,
		)
	}
}

func (r *Router) ignore(ctx context.Context, signal *burner.Signal) {
	r.metrics.Signal(string(signal.Type), telemetry.DispositionIgnored)
	r.logger.DebugContext(ctx, "signal for inactive channel ignored",
		"signal_type", string(signal.Type),
		"channel", string(signal.Channel),
	)
}

func (r *Router) drop(ctx context.Context, signal *burner.Signal, reason string, err error) {
	r.metrics.Signal(string(signal.Type), telemetry.DispositionDropped)
	attrs := []any{"signal_type", string(signal.Type), "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	r.logger.DebugContext(ctx, "signal dropped", attrs...)
}

package burner

import (
	"context"
	"slices"
	"time"
)

// BackpressurePolicy defines how queues behave when subscriber buffers are full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming signal when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued signal before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock blocks until queue space is available or context is canceled.
	BackpressureBlock BackpressurePolicy = "block"
)

// SignalFilter selects which forwarded signals a subscriber receives.
//
// An empty filter matches every signal.
type SignalFilter struct {
	Types []SignalType
}

// Matches reports whether the signal passes this filter.
func (f SignalFilter) Matches(signal *Signal) bool {
	if signal == nil {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}

	return slices.Contains(f.Types, signal.Type)
}

// SubscriptionSpec configures a single presentation-layer subscription.
//
// Zero Buffer and HandlerTimeout take the bus defaults; an empty
// Backpressure means BackpressureDropNewest.
type SubscriptionSpec struct {
	Name           string
	Filter         SignalFilter
	Buffer         int
	HandlerTimeout time.Duration
	Backpressure   BackpressurePolicy
}

// SignalHandler consumes one forwarded signal. Each subscriber receives its
// own copy, delivered in publish order.
type SignalHandler func(ctx context.Context, signal *Signal) error

// Subscription controls an active signal stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// SignalSink accepts signals forwarded to the presentation layer.
type SignalSink interface {
	// Publish fans one signal out to matching subscribers.
	Publish(ctx context.Context, signal *Signal) error
}

// SignalBus is the asynchronous pub/sub contract between the router and presentation layers.
type SignalBus interface {
	SignalSink
	// Subscribe registers a handler with bounded buffering semantics.
	Subscribe(ctx context.Context, spec SubscriptionSpec, handler SignalHandler) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}

// Package eventbus fans forwarded push signals out to presentation-layer
// subscribers.
//
// Every subscriber owns a bounded queue drained by a single goroutine, so a
// chat transcript renders signals in the order the router forwarded them. A
// slow subscriber only ever fills its own queue; what happens then is its
// backpressure policy.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"burnerchat/pkg/burner"
)

// Config holds the defaults applied to subscriptions that leave them unset.
type Config struct {
	Buffer         int
	HandlerTimeout time.Duration
	// OnAsyncError receives handler failures and dropped signals.
	OnAsyncError func(ctx context.Context, scope string, err error)
}

// Bus delivers forwarded signals to subscribers.
type Bus struct {
	cfg Config

	mu          sync.Mutex
	nextID      int
	closed      bool
	subscribers map[int]*subscriber
}

// New creates a signal bus.
func New(cfg Config) *Bus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}

	return &Bus{
		cfg:         cfg,
		subscribers: make(map[int]*subscriber),
	}
}

// Publish hands a copy of signal to every subscriber whose filter matches.
//
// Drops and closed subscribers are reported to the async error sink, not
// returned; only a canceled blocking enqueue fails the publish.
func (b *Bus) Publish(ctx context.Context, signal *burner.Signal) error {
	if err := signal.Validate(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("publish signal %s: bus closed", signal.Type)
	}
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.filter.Matches(signal) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	var failed []error
	for _, sub := range targets {
		delivered := signal.Clone()
		err := sub.offer(ctx, &delivered)
		switch {
		case err == nil:
		case errors.Is(err, burner.ErrSignalDropped), errors.Is(err, burner.ErrSubscriptionClosed):
			b.report(ctx, sub.name, err)
		default:
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("publish signal %s: %w", signal.Type, errors.Join(failed...))
	}

	return nil
}

// Subscribe registers handler for the signals selected by spec.
func (b *Bus) Subscribe(
	ctx context.Context,
	spec burner.SubscriptionSpec,
	handler burner.SignalHandler,
) (burner.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler: %w", spec.Name, burner.ErrInvalidSubscription)
	}
	switch spec.Backpressure {
	case "":
		spec.Backpressure = burner.BackpressureDropNewest
	case burner.BackpressureDropNewest, burner.BackpressureDropOldest, burner.BackpressureBlock:
	default:
		return nil, fmt.Errorf("subscribe %s: backpressure %q: %w",
			spec.Name, spec.Backpressure, burner.ErrInvalidSubscription)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.cfg.Buffer
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.cfg.HandlerTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	b.nextID++
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", b.nextID)
	}
	sub := newSubscriber(b, b.nextID, spec, handler)
	b.subscribers[sub.id] = sub

	return sub, nil
}

// Close stops every subscriber and rejects later publishes and subscribes.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	clear(b.subscribers)
	b.mu.Unlock()

	var failed []error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("close signal bus: %w", errors.Join(failed...))
	}

	return nil
}

func (b *Bus) remove(ctx context.Context, sub *subscriber) error {
	b.mu.Lock()
	delete(b.subscribers, sub.id)
	b.mu.Unlock()

	return sub.shutdown(ctx)
}

func (b *Bus) report(ctx context.Context, scope string, err error) {
	if b.cfg.OnAsyncError != nil {
		b.cfg.OnAsyncError(ctx, scope, err)
	}
}

// subscriber is one registration and its delivery goroutine.
type subscriber struct {
	bus     *Bus
	id      int
	name    string
	filter  burner.SignalFilter
	policy  burner.BackpressurePolicy
	timeout time.Duration
	handler burner.SignalHandler

	queue chan *burner.Signal
	// ctx ends when the subscriber stops; handlers run under it.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSubscriber(bus *Bus, id int, spec burner.SubscriptionSpec, handler burner.SignalHandler) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		bus:     bus,
		id:      id,
		name:    spec.Name,
		filter:  burner.SignalFilter{Types: append([]burner.SignalType(nil), spec.Filter.Types...)},
		policy:  spec.Backpressure,
		timeout: spec.HandlerTimeout,
		handler: handler,
		queue:   make(chan *burner.Signal, spec.Buffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sub.run()

	return sub
}

// Name returns the subscription name.
func (s *subscriber) Name() string {
	return s.name
}

// Close unregisters the subscription and waits for an in-progress handler.
func (s *subscriber) Close(ctx context.Context) error {
	return s.bus.remove(ctx, s)
}

func (s *subscriber) offer(ctx context.Context, signal *burner.Signal) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("enqueue %s: %w", s.name, burner.ErrSubscriptionClosed)
	}

	select {
	case s.queue <- signal:
		return nil
	default:
	}

	switch s.policy {
	case burner.BackpressureBlock:
		select {
		case s.queue <- signal:
			return nil
		case <-s.ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.name, burner.ErrSubscriptionClosed)
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.name, ctx.Err())
		}
	case burner.BackpressureDropOldest:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- signal:
			return nil
		default:
		}
	}

	return fmt.Errorf("enqueue %s %s: %w", s.name, signal.Type, burner.ErrSignalDropped)
}

func (s *subscriber) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case signal := <-s.queue:
			if err := s.deliver(signal); err != nil {
				s.bus.report(s.ctx, s.name, err)
			}
		}
	}
}

func (s *subscriber) deliver(signal *burner.Signal) error {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := RunSafely("subscription "+s.name, func() error {
		return s.handler(ctx, signal)
	}); err != nil {
		return fmt.Errorf("handle signal %s: %w", signal.Type, err)
	}

	return nil
}

// shutdown stops delivery and waits for the running handler, if any, to return.
func (s *subscriber) shutdown(ctx context.Context) error {
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.name, ctx.Err())
	}
}

var _ burner.SignalBus = (*Bus)(nil)

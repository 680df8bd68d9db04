// Package ws implements the remote collaborators over one WebSocket
// connection to a ledger.
//
// Calls are multiplexed by request id. Push frames are handed to a single
// dispatcher goroutine so handlers may issue calls of their own without
// blocking the read loop. Every transport failure, timeout included, is
// reported as burner.ErrRemoteUnavailable.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"burnerchat/internal/transport/wire"
	"burnerchat/pkg/burner"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultDialTimeout    = 5 * time.Second
	writeTimeout          = 5 * time.Second
	signalQueueSize       = 64
	maxFrameBytes         = 1 << 20
)

// Options configures a client connection.
type Options struct {
	// URL is the ledger WebSocket endpoint, for example ws://127.0.0.1:8787/ws.
	URL string
	// Agent is announced in the hello frame.
	Agent          burner.IdentityKey
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	Logger         *slog.Logger
}

type response struct {
	result json.RawMessage
	err    error
}

// Client is a connected ledger client.
type Client struct {
	conn           *websocket.Conn
	requestTimeout time.Duration
	logger         *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan response
	failure error

	handlersMu  sync.RWMutex
	handlers    map[int]burner.SignalHandlerFunc
	nextHandler int

	signals   chan burner.Signal
	done      chan struct{}
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// Dial connects to the ledger and announces opts.Agent.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("dial ledger: empty url")
	}
	if opts.Agent.IsZero() {
		return nil, fmt.Errorf("dial ledger: missing agent key")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	conn, _, err := dialer.DialContext(dialCtx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ledger %s: %w: %w", opts.URL, burner.ErrRemoteUnavailable, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	client := &Client{
		conn:           conn,
		requestTimeout: opts.RequestTimeout,
		logger:         logger,
		pending:        make(map[uint64]chan response),
		handlers:       make(map[int]burner.SignalHandlerFunc),
		signals:        make(chan burner.Signal, signalQueueSize),
		done:           make(chan struct{}),
	}

	hello, err := json.Marshal(wire.HelloParams{Agent: opts.Agent})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dial ledger: encode hello: %w", err)
	}
	if err := client.write(wire.Request{Method: wire.MethodHello, Params: hello}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dial ledger: %w", err)
	}

	client.workers.Add(2)
	go client.readLoop()
	go client.dispatchLoop()

	return client, nil
}

// Close closes the connection and fails every pending call.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		closeErr = c.conn.Close()
		c.workers.Wait()
	})
	if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
		return fmt.Errorf("close ledger connection: %w", closeErr)
	}

	return nil
}

// Done is closed once the connection has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure that stopped the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.failure
}

// OnSignal implements burner.SignalSource.
func (c *Client) OnSignal(handler burner.SignalHandlerFunc) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextHandler++
	id := c.nextHandler
	c.handlers[id] = handler

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.handlers, id)
	}
}

// FetchProfile implements burner.ProfileStore.
func (c *Client) FetchProfile(ctx context.Context, agent burner.IdentityKey) (*burner.Envelope, error) {
	var envelope *burner.Envelope
	if err := c.call(ctx, wire.MethodGetAgentProfile, wire.AgentParams{Agent: agent}, &envelope); err != nil {
		return nil, err
	}

	return envelope, nil
}

// FetchProfiles implements burner.ProfileStore.
func (c *Client) FetchProfiles(ctx context.Context, agents []burner.IdentityKey) ([]burner.Envelope, error) {
	var envelopes []burner.Envelope
	if err := c.call(ctx, wire.MethodGetAgentsProfiles, wire.AgentsParams{Agents: agents}, &envelopes); err != nil {
		return nil, err
	}

	return envelopes, nil
}

// SearchProfiles implements burner.ProfileStore.
func (c *Client) SearchProfiles(ctx context.Context, prefix string) ([]burner.Envelope, error) {
	var envelopes []burner.Envelope
	if err := c.call(ctx, wire.MethodSearchProfiles, wire.SearchParams{Prefix: prefix}, &envelopes); err != nil {
		return nil, err
	}

	return envelopes, nil
}

// CreateProfile implements burner.ProfileStore.
func (c *Client) CreateProfile(ctx context.Context, entry []byte) error {
	return c.call(ctx, wire.MethodCreateProfile, wire.EntryParams{Entry: entry}, nil)
}

// UpdateProfile implements burner.ProfileStore.
func (c *Client) UpdateProfile(ctx context.Context, entry []byte) error {
	return c.call(ctx, wire.MethodUpdateProfile, wire.EntryParams{Entry: entry}, nil)
}

// ChannelMembers implements burner.ChannelService.
func (c *Client) ChannelMembers(ctx context.Context, channel burner.ChannelID) ([]burner.Member, error) {
	var members []burner.Member
	if err := c.call(ctx, wire.MethodGetChannelMembers, wire.ChannelParams{Channel: channel}, &members); err != nil {
		return nil, err
	}

	return members, nil
}

// JoinChannel implements burner.ChannelService.
func (c *Client) JoinChannel(ctx context.Context, input burner.ChannelInput) error {
	return c.call(ctx, wire.MethodJoinChannel, input, nil)
}

// BurnChannel implements burner.ChannelService.
func (c *Client) BurnChannel(ctx context.Context, input burner.ChannelInput) error {
	return c.call(ctx, wire.MethodBurnChannel, input, nil)
}

// SendMessage implements burner.ChannelService.
func (c *Client) SendMessage(ctx context.Context, input burner.MessageInput) error {
	return c.call(ctx, wire.MethodSendMsg, input, nil)
}

// call sends one request and waits for its response. result may be nil.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: encode params: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	id, replies, err := c.register()
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer c.forget(id)

	if err := c.write(wire.Request{ID: id, Method: method, Params: encoded}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case reply := <-replies:
		if reply.err != nil {
			return fmt.Errorf("%s: %w", method, reply.err)
		}
		if result == nil || len(reply.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w: %w", method, burner.ErrRemoteUnavailable, err)
		}
		return nil
	case <-callCtx.Done():
		return fmt.Errorf("%s: %w: %w", method, burner.ErrRemoteUnavailable, callCtx.Err())
	}
}

func (c *Client) register() (uint64, chan response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure != nil {
		return 0, nil, c.failure
	}
	c.nextID++
	replies := make(chan response, 1)
	c.pending[c.nextID] = replies

	return c.nextID, replies, nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, id)
}

func (c *Client) write(request wire.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", burner.ErrRemoteUnavailable, err)
	}
	if err := c.conn.WriteJSON(request); err != nil {
		return fmt.Errorf("%w: %w", burner.ErrRemoteUnavailable, err)
	}

	return nil
}

// readLoop demultiplexes responses and queues push frames until the
// connection fails.
func (c *Client) readLoop() {
	defer c.workers.Done()
	defer close(c.signals)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var frame wire.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("undecodable ledger frame dropped", "error", err)
			continue
		}
		if frame.IsPush() {
			c.enqueue(*frame.Signal)
			continue
		}
		c.resolve(frame)
	}
}

func (c *Client) resolve(frame wire.ServerFrame) {
	c.mu.Lock()
	replies, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown call dropped", "id", frame.ID)
		return
	}

	replies <- response{result: frame.Result, err: frame.Error.Err()}
}

func (c *Client) enqueue(signal burner.Signal) {
	select {
	case c.signals <- signal:
	default:
		c.logger.Warn("signal queue full, signal dropped", "signal_type", string(signal.Type))
	}
}

func (c *Client) fail(cause error) {
	err := fmt.Errorf("ledger connection closed: %w: %w", burner.ErrRemoteUnavailable, cause)

	c.mu.Lock()
	c.failure = err
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	for _, replies := range pending {
		replies <- response{err: err}
	}
	close(c.done)
	if !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug("ledger connection stopped", "error", cause)
	}
}

func (c *Client) dispatchLoop() {
	defer c.workers.Done()

	ctx := context.Background()
	for signal := range c.signals {
		c.handlersMu.RLock()
		handlers := slices.Collect(maps.Values(c.handlers))
		c.handlersMu.RUnlock()

		for _, handler := range handlers {
			c.dispatch(ctx, handler, signal)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, handler burner.SignalHandlerFunc, signal burner.Signal) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("signal handler panic recovered",
				"signal_type", string(signal.Type),
				"error", fmt.Sprint(recovered),
			)
		}
	}()

	handler(ctx, signal)
}

var _ burner.Remote = (*Client)(nil)

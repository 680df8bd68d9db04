package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"burnerchat/internal/telemetry"
	"burnerchat/internal/transport/wire"
	"burnerchat/pkg/burner"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// helloTimeout bounds how long a new connection may wait before identifying.
	helloTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing frame buffer depth.
	sendBufSize = 64

	maxFrameBytes = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HubConfig wires hub collaborators.
type HubConfig struct {
	Store *Store
	// Codec extracts nicknames from profile entries for search.
	Codec   burner.Codec
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// Hub serves the ledger protocol to WebSocket clients and pushes channel
// signals to connected members.
type Hub struct {
	store   *Store
	codec   burner.Codec
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// client is one connected, identified agent.
type client struct {
	conn  *websocket.Conn
	agent burner.IdentityKey
	send  chan []byte
}

// NewHub validates cfg and creates a hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("new hub: missing store")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("new hub: missing codec")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}

	return &Hub{
		store:   cfg.Store,
		codec:   cfg.Codec,
		logger:  logger,
		metrics: cfg.Metrics,
		tracer:  tracer,
		clients: make(map[*client]struct{}),
	}, nil
}

// ServeHTTP upgrades the connection, waits for the hello frame, then serves
// requests until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	agent, err := readHello(conn)
	if err != nil {
		h.logger.DebugContext(r.Context(), "ledger hello rejected", "error", err)
		h.metrics.LedgerRequest(wire.MethodHello, telemetry.OutcomeError)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "hello required"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	h.metrics.LedgerRequest(wire.MethodHello, telemetry.OutcomeOK)

	c := &client{
		conn:  conn,
		agent: agent,
		send:  make(chan []byte, sendBufSize),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	defer h.unregister(c)
	h.logger.InfoContext(r.Context(), "ledger client connected", "agent", agent.String())

	go c.writePump()
	h.readPump(r.Context(), c)
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func readHello(conn *websocket.Conn) (burner.IdentityKey, error) {
	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return burner.IdentityKey{}, err
	}
	var request wire.Request
	if err := conn.ReadJSON(&request); err != nil {
		return burner.IdentityKey{}, fmt.Errorf("read hello: %w", err)
	}
	if request.Method != wire.MethodHello {
		return burner.IdentityKey{}, fmt.Errorf("first frame is %q, want hello", request.Method)
	}
	var params wire.HelloParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return burner.IdentityKey{}, fmt.Errorf("decode hello: %w", err)
	}
	if params.Agent.IsZero() {
		return burner.IdentityKey{}, fmt.Errorf("hello without agent")
	}

	return params.Agent, nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}

	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump serves requests in arrival order until the connection closes.
func (h *Hub) readPump(ctx context.Context, c *client) {
	defer c.conn.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.DebugContext(ctx, "ledger client read failed", "agent", c.agent.String(), "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var request wire.Request
		if err := json.Unmarshal(data, &request); err != nil {
			h.logger.DebugContext(ctx, "undecodable client frame dropped", "agent", c.agent.String(), "error", err)
			continue
		}

		frame := h.serve(ctx, c, request)
		h.deliver(c, frame)
	}
}

// serve executes one request and builds its response frame.
func (h *Hub) serve(ctx context.Context, c *client, request wire.Request) wire.ServerFrame {
	ctx, span := h.tracer.Start(ctx, "ledger."+request.Method, trace.WithAttributes(
		attribute.String("burner.agent", c.agent.String()),
	), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	result, err := h.dispatch(ctx, c, request)
	outcome := telemetry.OutcomeOK
	frame := wire.ServerFrame{ID: request.ID}
	if err == nil {
		frame.Result, err = json.Marshal(result)
	}
	if err != nil {
		outcome = telemetry.OutcomeError
		frame.Result = nil
		frame.Error = wire.ErrorFrom(err)
		span.SetStatus(codes.Error, frame.Error.Code)
		if frame.Error.Code == wire.CodeInternal {
			h.logger.ErrorContext(ctx, "ledger request failed",
				"method", request.Method,
				"agent", c.agent.String(),
				"error", err,
			)
		}
	}
	h.metrics.LedgerRequest(request.Method, outcome)

	return frame
}

func (h *Hub) dispatch(ctx context.Context, c *client, request wire.Request) (any, error) {
	switch request.Method {
	case wire.MethodGetAgentProfile:
		var params wire.AgentParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		return h.store.GetProfile(ctx, params.Agent)
	case wire.MethodGetAgentsProfiles:
		var params wire.AgentsParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		return h.store.GetProfiles(ctx, params.Agents)
	case wire.MethodSearchProfiles:
		var params wire.SearchParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		if utf8.RuneCountInString(strings.TrimSpace(params.Prefix)) < burner.MinSearchPrefixLen {
			return nil, fmt.Errorf("search prefix shorter than %d: %w", burner.MinSearchPrefixLen, burner.ErrInvalidArgument)
		}
		return h.store.SearchProfiles(ctx, params.Prefix)
	case wire.MethodCreateProfile, wire.MethodUpdateProfile:
		var params wire.EntryParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		return nil, h.putProfile(ctx, c.agent, params.Entry, request.Method == wire.MethodUpdateProfile)
	case wire.MethodGetChannelMembers:
		var params wire.ChannelParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		if params.Channel == "" {
			return nil, fmt.Errorf("empty channel: %w", burner.ErrInvalidArgument)
		}
		return h.store.ChannelMembers(ctx, params.Channel)
	case wire.MethodJoinChannel:
		var input burner.ChannelInput
		if err := decodeParams(request.Params, &input); err != nil {
			return nil, err
		}
		return nil, h.joinChannel(ctx, c, input)
	case wire.MethodBurnChannel:
		var input burner.ChannelInput
		if err := decodeParams(request.Params, &input); err != nil {
			return nil, err
		}
		return nil, h.burnChannel(ctx, c, input)
	case wire.MethodSendMsg:
		var input burner.MessageInput
		if err := decodeParams(request.Params, &input); err != nil {
			return nil, err
		}
		return nil, h.sendMessage(ctx, c, input)
	default:
		return nil, &wire.Error{Code: wire.CodeUnknownMethod, Message: fmt.Sprintf("unknown method %q", request.Method)}
	}
}

func decodeParams(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params: %w", burner.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode params: %w: %w", burner.ErrInvalidArgument, err)
	}

	return nil
}

func (h *Hub) putProfile(ctx context.Context, author burner.IdentityKey, entry []byte, mustExist bool) error {
	profile, err := h.codec.Decode(entry)
	if err != nil {
		return fmt.Errorf("%w: %w", burner.ErrInvalidArgument, err)
	}
	if err := h.store.PutProfile(ctx, author, profile.Nickname, entry, mustExist); err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return fmt.Errorf("%w: %w", burner.ErrInvalidArgument, err)
		}
		return err
	}

	return nil
}

func (h *Hub) joinChannel(ctx context.Context, c *client, input burner.ChannelInput) error {
	if input.Channel == "" {
		return fmt.Errorf("join: empty channel: %w", burner.ErrInvalidArgument)
	}
	if err := h.store.JoinChannel(ctx, input.Channel, c.agent, input.Username); err != nil {
		return err
	}

	members, err := h.store.ChannelMembers(ctx, input.Channel)
	if err != nil {
		return err
	}
	h.push(members, c.agent, burner.Signal{
		Type:     burner.SignalJoinChannel,
		Channel:  input.Channel,
		Username: input.Username,
		Agent:    c.agent,
		SentAt:   time.Now().UTC(),
	})

	return nil
}

// burnChannel notifies current members, then deletes the channel's memberships.
func (h *Hub) burnChannel(ctx context.Context, c *client, input burner.ChannelInput) error {
	if input.Channel == "" {
		return fmt.Errorf("burn: empty channel: %w", burner.ErrInvalidArgument)
	}
	members, err := h.store.BurnChannel(ctx, input.Channel)
	if err != nil {
		return err
	}
	h.push(members, c.agent, burner.Signal{
		Type:     burner.SignalBurnChannel,
		Channel:  input.Channel,
		Username: input.Username,
		Agent:    c.agent,
		SentAt:   time.Now().UTC(),
	})

	return nil
}

// sendMessage relays a message-like signal to every member, sender included.
func (h *Hub) sendMessage(ctx context.Context, c *client, input burner.MessageInput) error {
	if input.Type != burner.SignalMessage && input.Type != burner.SignalEmojiCannon {
		return fmt.Errorf("send: unsupported signal type %q: %w", input.Type, burner.ErrInvalidArgument)
	}
	if input.Channel == "" {
		return fmt.Errorf("send: empty channel: %w", burner.ErrInvalidArgument)
	}
	member, err := h.store.IsMember(ctx, input.Channel, c.agent)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("send: not a member of the channel: %w", burner.ErrInvalidArgument)
	}

	members, err := h.store.ChannelMembers(ctx, input.Channel)
	if err != nil {
		return err
	}
	h.push(members, burner.IdentityKey{}, burner.Signal{
		Type:     input.Type,
		Channel:  input.Channel,
		Username: input.SenderName,
		Agent:    c.agent,
		Payload:  input.Payload,
		SentAt:   time.Now().UTC(),
	})

	return nil
}

// push delivers signal to every connected client of members except skip.
// Delivery is best effort: full client buffers drop the frame.
func (h *Hub) push(members []burner.Member, skip burner.IdentityKey, signal burner.Signal) {
	data, err := json.Marshal(wire.ServerFrame{Signal: &signal})
	if err != nil {
		h.logger.Error("encode push frame failed", "signal_type", string(signal.Type), "error", err)
		return
	}
	recipients := make(map[burner.IdentityKey]struct{}, len(members))
	for _, member := range members {
		if member.Agent != skip {
			recipients[member.Agent] = struct{}{}
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if _, ok := recipients[c.agent]; !ok {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client buffer full, push dropped",
				"agent", c.agent.String(),
				"signal_type", string(signal.Type),
			)
		}
	}
}

// deliver queues a response frame for c.
func (h *Hub) deliver(c *client, frame wire.ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encode response frame failed", "id", frame.ID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("client buffer full, response dropped", "agent", c.agent.String(), "id", frame.ID)
	}
}

// writePump drains the send channel to the connection and sends periodic
// pings. Runs in its own goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

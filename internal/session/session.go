// Package session is the client core's state object. It owns the caller's
// identity, display name and active channel, wires the caches, fetch
// coordinator, signal router and presentation bus together, and exposes the
// observe/write API presentation layers build on.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"burnerchat/internal/cache"
	"burnerchat/internal/codec"
	"burnerchat/internal/eventbus"
	"burnerchat/internal/fetch"
	"burnerchat/internal/signals"
	"burnerchat/pkg/burner"
)

// Remote is everything a session needs from its transport.
type Remote = burner.Remote

// ProfileView is the current value of a single-profile observation.
type ProfileView = cache.Lookup[burner.Profile]

// Unsubscribe stops an observation. It is safe to call more than once.
type Unsubscribe = cache.Unsubscribe

// Session is one client's view of the ledger.
type Session struct {
	cfg         config
	self        burner.IdentityKey
	remote      Remote
	coordinator *fetch.Coordinator
	router      *signals.Router
	bus         *eventbus.Bus
	logger      *slog.Logger

	mu       sync.RWMutex
	username string

	runMu   sync.Mutex
	started bool
	closed  bool
	detach  func()
	loads   sync.WaitGroup
}

// New builds a session for self over remote. Call Start to begin routing
// push signals.
func New(self burner.IdentityKey, remote Remote, options ...Option) (*Session, error) {
	if remote == nil {
		return nil, fmt.Errorf("new session: nil remote")
	}
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}
	if cfg.codec == nil {
		entryCodec, err := codec.NewCBOR()
		if err != nil {
			return nil, fmt.Errorf("new session: %w", err)
		}
		cfg.codec = entryCodec
	}

	coordinator, err := fetch.New(fetch.Config{
		Self:            self,
		Profiles:        remote,
		Channels:        remote,
		Codec:           cfg.codec,
		ProfileCache:    fetch.NewProfileCache(cfg.logger),
		MembershipCache: fetch.NewMembershipCache(cfg.logger),
		Logger:          cfg.logger,
		Metrics:         cfg.metrics,
		Tracer:          cfg.tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	bus := eventbus.New(eventbus.Config{
		Buffer:         cfg.subscriptionBuffer,
		HandlerTimeout: cfg.handlerTimeout,
		OnAsyncError:   cfg.onAsyncError,
	})
	router := signals.NewRouter(signals.Config{
		Members: coordinator,
		Sink:    bus,
		Logger:  cfg.logger,
		Metrics: cfg.metrics,
	})

	return &Session{
		cfg:         cfg,
		self:        self,
		remote:      remote,
		coordinator: coordinator,
		router:      router,
		bus:         bus,
		logger:      cfg.logger,
		username:    strings.TrimSpace(cfg.username),
	}, nil
}

// Self returns the caller's own agent key.
func (s *Session) Self() burner.IdentityKey {
	return s.self
}

// Start registers the signal router on the remote's push stream.
func (s *Session) Start(context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.closed {
		return fmt.Errorf("start session: closed")
	}
	if s.started {
		return fmt.Errorf("start session: already started")
	}
	s.detach = s.remote.OnSignal(s.router.HandleSignal)
	s.started = true

	return nil
}

// Close detaches from the push stream, waits for background loads, and
// shuts down presentation subscriptions.
func (s *Session) Close(ctx context.Context) error {
	s.runMu.Lock()
	if s.closed {
		s.runMu.Unlock()
		return nil
	}
	s.closed = true
	detach := s.detach
	s.detach = nil
	s.runMu.Unlock()

	if detach != nil {
		detach()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.shutdownTimeout)
	defer cancel()

	var closeErrs []error
	loadsDone := make(chan struct{})
	go func() {
		s.loads.Wait()
		close(loadsDone)
	}()
	select {
	case <-loadsDone:
	case <-shutdownCtx.Done():
		closeErrs = append(closeErrs, fmt.Errorf("wait background loads: %w", shutdownCtx.Err()))
	}
	if err := s.bus.Close(shutdownCtx); err != nil {
		closeErrs = append(closeErrs, err)
	}

	if len(closeErrs) > 0 {
		return fmt.Errorf("close session: %w", errors.Join(closeErrs...))
	}

	return nil
}

// Username returns the display name sent with channel calls.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.username
}

// SetUsername changes the display name. Blank names are rejected.
func (s *Session) SetUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("set username: %w", burner.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username

	return nil
}

// ObserveProfile watches one agent's profile.
//
// The current cached value is returned immediately. On a miss a background
// load starts and its result reaches onChange. Load failures go to the async
// error handler and leave the view unchanged.
func (s *Session) ObserveProfile(
	ctx context.Context,
	agent burner.IdentityKey,
	onChange func(ProfileView),
) (ProfileView, Unsubscribe, error) {
	if agent.IsZero() {
		return ProfileView{}, nil, fmt.Errorf("observe profile: empty agent key: %w", burner.ErrInvalidArgument)
	}

	current, unsubscribe := cache.WatchKey(s.coordinator.Profiles(), agent, onChange)
	if !current.Found {
		s.background(ctx, "observe profile "+agent.String(), func(loadCtx context.Context) error {
			_, _, err := s.coordinator.FetchOne(loadCtx, agent)
			return err
		})
	}

	return current, unsubscribe, nil
}

// ObserveProfiles watches the profiles of several agents. Agents without a
// record are omitted from the mapping.
func (s *Session) ObserveProfiles(
	ctx context.Context,
	agents []burner.IdentityKey,
	onChange func(map[burner.IdentityKey]burner.Profile),
) (map[burner.IdentityKey]burner.Profile, Unsubscribe, error) {
	for _, agent := range agents {
		if agent.IsZero() {
			return nil, nil, fmt.Errorf("observe profiles: empty agent key: %w", burner.ErrInvalidArgument)
		}
	}

	current, unsubscribe := cache.WatchKeys(s.coordinator.Profiles(), agents, onChange)
	if len(current) < len(agentSet(agents)) {
		s.background(ctx, "observe profiles", func(loadCtx context.Context) error {
			_, err := s.coordinator.FetchMany(loadCtx, agents)
			return err
		})
	}

	return current, unsubscribe, nil
}

// ObserveMyProfile watches the caller's own profile. It always reloads from
// remote since the local copy may be an unconfirmed optimistic write.
func (s *Session) ObserveMyProfile(ctx context.Context, onChange func(ProfileView)) (ProfileView, Unsubscribe) {
	current, unsubscribe := cache.WatchKey(s.coordinator.Profiles(), s.self, onChange)
	s.background(ctx, "observe own profile", func(loadCtx context.Context) error {
		_, _, err := s.coordinator.FetchSelf(loadCtx)
		return err
	})

	return current, unsubscribe
}

// ObserveChannelMembers watches a channel's membership set. A channel that
// was never loaded, or was burned, reports an empty set.
func (s *Session) ObserveChannelMembers(
	ctx context.Context,
	channel burner.ChannelID,
	onChange func(burner.Membership),
) (burner.Membership, Unsubscribe, error) {
	if channel == "" {
		return burner.Membership{}, nil, fmt.Errorf("observe channel members: empty channel: %w", burner.ErrInvalidArgument)
	}

	current, unsubscribe := cache.Subscribe(s.coordinator.Memberships(),
		func(snapshot cache.Snapshot[burner.ChannelID, burner.Membership]) burner.Membership {
			membership, ok := snapshot.Get(channel)
			if !ok {
				return burner.Membership{Channel: channel}
			}
			return membership
		},
		onChange,
	)
	if _, found := s.coordinator.Memberships().Get(channel); !found {
		s.background(ctx, "observe channel members "+string(channel), func(loadCtx context.Context) error {
			_, err := s.coordinator.FetchMembers(loadCtx, channel)
			return err
		})
	}

	return current, unsubscribe, nil
}

// CreateProfile publishes the caller's profile and caches it optimistically.
func (s *Session) CreateProfile(ctx context.Context, profile burner.Profile) error {
	return s.coordinator.CreateProfile(ctx, profile)
}

// UpdateProfile replaces the caller's profile and caches it optimistically.
func (s *Session) UpdateProfile(ctx context.Context, profile burner.Profile) error {
	return s.coordinator.UpdateProfile(ctx, profile)
}

// SearchProfiles queries remote by nickname prefix.
func (s *Session) SearchProfiles(ctx context.Context, prefix string) (map[burner.IdentityKey]burner.Profile, error) {
	return s.coordinator.SearchByPrefix(ctx, prefix)
}

// SetActiveChannel changes the channel push signals are gated on. The empty
// channel clears it.
func (s *Session) SetActiveChannel(channel burner.ChannelID) {
	s.router.SetActiveChannel(channel)
}

// ActiveChannel returns the active channel and whether one is set.
func (s *Session) ActiveChannel() (burner.ChannelID, bool) {
	return s.router.ActiveChannel()
}

// JoinChannel announces the caller in channel, makes it active and loads its
// membership.
func (s *Session) JoinChannel(ctx context.Context, channel burner.ChannelID) (burner.Membership, error) {
	channel = burner.ChannelID(strings.TrimSpace(string(channel)))
	if channel == "" {
		return burner.Membership{}, fmt.Errorf("join channel: empty channel: %w", burner.ErrInvalidArgument)
	}
	username := s.Username()
	if username == "" {
		return burner.Membership{}, fmt.Errorf("join channel %s: username not set: %w", channel, burner.ErrInvalidArgument)
	}

	if err := s.remote.JoinChannel(ctx, burner.ChannelInput{
		Type:     burner.SignalJoinChannel,
		Channel:  channel,
		Username: username,
	}); err != nil {
		return burner.Membership{}, remoteError("join channel "+string(channel), err)
	}
	s.router.SetActiveChannel(channel)

	membership, err := s.coordinator.FetchMembers(ctx, channel)
	if err != nil {
		return burner.Membership{}, fmt.Errorf("join channel %s: %w", channel, err)
	}
	s.logger.InfoContext(ctx, "channel joined", "channel", string(channel), "members", membership.Len())

	return membership, nil
}

// BurnChannel destroys the active channel remotely, evicts its membership and
// clears the active channel.
func (s *Session) BurnChannel(ctx context.Context) error {
	channel, ok := s.router.ActiveChannel()
	if !ok {
		return fmt.Errorf("burn channel: %w", burner.ErrNoActiveChannel)
	}

	if err := s.remote.BurnChannel(ctx, burner.ChannelInput{
		Type:     burner.SignalBurnChannel,
		Channel:  channel,
		Username: s.Username(),
	}); err != nil {
		return remoteError("burn channel "+string(channel), err)
	}
	s.coordinator.InvalidateMembers(channel)
	if current, _ := s.router.ActiveChannel(); current == channel {
		s.router.SetActiveChannel("")
	}
	s.logger.InfoContext(ctx, "channel burned", "channel", string(channel))

	return nil
}

// SendMessage sends text to the active channel.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("send message: empty text: %w", burner.ErrInvalidArgument)
	}

	return s.send(ctx, burner.SignalMessage, text)
}

// FireEmojiCannon sends an ephemeral emoji burst to the active channel.
func (s *Session) FireEmojiCannon(ctx context.Context, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("fire emoji cannon: empty emoji: %w", burner.ErrInvalidArgument)
	}

	return s.send(ctx, burner.SignalEmojiCannon, emoji)
}

func (s *Session) send(ctx context.Context, signalType burner.SignalType, body string) error {
	channel, ok := s.router.ActiveChannel()
	if !ok {
		return fmt.Errorf("send %s: %w", signalType, burner.ErrNoActiveChannel)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("send %s: encode payload: %w", signalType, err)
	}

	if err := s.remote.SendMessage(ctx, burner.MessageInput{
		Type:       signalType,
		Channel:    channel,
		SenderName: s.Username(),
		Payload:    payload,
	}); err != nil {
		return remoteError(fmt.Sprintf("send %s to %s", signalType, channel), err)
	}

	return nil
}

// Subscribe registers a presentation-layer consumer of forwarded signals.
func (s *Session) Subscribe(
	ctx context.Context,
	spec burner.SubscriptionSpec,
	handler burner.SignalHandler,
) (burner.Subscription, error) {
	subscription, err := s.bus.Subscribe(ctx, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("session subscribe: %w", err)
	}

	return subscription, nil
}

// background runs load outside the caller's cancellation. Loads are tracked
// so Close can wait for them.
func (s *Session) background(ctx context.Context, scope string, load func(context.Context) error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closed {
		return
	}

	loadCtx := context.WithoutCancel(ctx)
	s.loads.Go(func() {
		if err := eventbus.RunSafely(scope, func() error {
			return load(loadCtx)
		}); err != nil {
			s.cfg.onAsyncError(loadCtx, scope, err)
		}
	})
}

func agentSet(agents []burner.IdentityKey) map[burner.IdentityKey]struct{} {
	set := make(map[burner.IdentityKey]struct{}, len(agents))
	for _, agent := range agents {
		set[agent] = struct{}{}
	}

	return set
}

// remoteError classifies collaborator failures that are not already tagged.
func remoteError(scope string, err error) error {
	if errors.Is(err, burner.ErrInvalidArgument) ||
		errors.Is(err, burner.ErrRemoteUnavailable) ||
		errors.Is(err, burner.ErrDecodeFailure) {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return fmt.Errorf("%s: %w: %w", scope, burner.ErrRemoteUnavailable, err)
}

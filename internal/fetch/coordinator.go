// Package fetch coordinates remote profile and membership reads into the
// observable caches.
//
// The coordinator answers from cache when it can, batches misses into a
// single remote call, coalesces concurrent loads of the same key onto one
// in-flight call, and folds decoded results back into the cache. In-flight
// loads are detached from the requester's context: once issued they run to
// completion and merge their result even if every waiter has gone away.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"burnerchat/internal/cache"
	"burnerchat/internal/telemetry"
	"burnerchat/pkg/burner"
)

// ProfileCache is the observable cache the coordinator fills.
type ProfileCache = cache.Cache[burner.IdentityKey, burner.Profile]

// MembershipCache holds one membership set per channel.
type MembershipCache = cache.Cache[burner.ChannelID, burner.Membership]

// NewProfileCache creates an empty profile cache with deep-copy semantics.
func NewProfileCache(logger *slog.Logger) *ProfileCache {
	return cache.New[burner.IdentityKey, burner.Profile](
		cache.WithName[burner.Profile]("profiles"),
		cache.WithClone(burner.Profile.Clone),
		cache.WithLogger[burner.Profile](logger),
	)
}

// NewMembershipCache creates an empty membership cache with deep-copy semantics.
func NewMembershipCache(logger *slog.Logger) *MembershipCache {
	return cache.New[burner.ChannelID, burner.Membership](
		cache.WithName[burner.Membership]("memberships"),
		cache.WithClone(burner.Membership.Clone),
		cache.WithLogger[burner.Membership](logger),
	)
}

const (
	opFetchOne      = "fetch_one"
	opFetchMany     = "fetch_many"
	opFetchSelf     = "fetch_self"
	opSearch        = "search"
	opCreate        = "create"
	opUpdate        = "update"
	opChannelMember = "channel_members"
)

// Config wires the coordinator's collaborators.
type Config struct {
	// Self is the caller's own agent key.
	Self burner.IdentityKey
	// Profiles is the remote profile API.
	Profiles burner.ProfileStore
	// Channels is the remote channel API, required by FetchMembers.
	Channels burner.ChannelService
	// Codec decodes and encodes profile entries.
	Codec burner.Codec
	// ProfileCache receives merged profiles. A new cache is created when nil.
	ProfileCache *ProfileCache
	// MembershipCache receives membership sets. A new cache is created when nil.
	MembershipCache *MembershipCache
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
	Tracer          trace.Tracer
}

// Coordinator implements the fetch/merge protocol over the caches.
type Coordinator struct {
	self        burner.IdentityKey
	profiles    burner.ProfileStore
	channels    burner.ChannelService
	codec       burner.Codec
	profileMap  *ProfileCache
	memberships *MembershipCache
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	inflight    singleflight.Group

	// publishMu orders membership publication against invalidation.
	publishMu    sync.Mutex
	generationMu sync.Mutex
	generations  map[burner.ChannelID]uint64
}

// New validates cfg and builds a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Self.IsZero() {
		return nil, fmt.Errorf("new fetch coordinator: missing self key")
	}
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("new fetch coordinator: missing profile store")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("new fetch coordinator: missing codec")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	profiles := cfg.ProfileCache
	if profiles == nil {
		profiles = NewProfileCache(logger)
	}
	memberships := cfg.MembershipCache
	if memberships == nil {
		memberships = NewMembershipCache(logger)
	}

	return &Coordinator{
		self:        cfg.Self,
		profiles:    cfg.Profiles,
		channels:    cfg.Channels,
		codec:       cfg.Codec,
		profileMap:  profiles,
		memberships: memberships,
		logger:      logger,
		metrics:     cfg.Metrics,
		tracer:      tracer,
		generations: make(map[burner.ChannelID]uint64),
	}, nil
}

// Self returns the caller's own agent key.
func (c *Coordinator) Self() burner.IdentityKey {
	return c.self
}

// Profiles returns the observable profile cache.
func (c *Coordinator) Profiles() *ProfileCache {
	return c.profileMap
}

// Memberships returns the observable membership cache.
func (c *Coordinator) Memberships() *MembershipCache {
	return c.memberships
}

// loadResult is what one coalesced load resolves to.
type loadResult struct {
	profile burner.Profile
	found   bool
}

// FetchOne returns the profile of agent, loading it from remote on a cache miss.
//
// Concurrent calls for the same uncached agent share one remote call. A
// missing remote entry reports found=false with a nil error.
func (c *Coordinator) FetchOne(ctx context.Context, agent burner.IdentityKey) (burner.Profile, bool, error) {
	if agent.IsZero() {
		return burner.Profile{}, false, fmt.Errorf("fetch profile: empty agent key: %w", burner.ErrInvalidArgument)
	}
	if profile, ok := c.profileMap.Get(agent); ok {
		c.metrics.CacheLookup(telemetry.OutcomeHit)
		return profile, true, nil
	}
	c.metrics.CacheLookup(telemetry.OutcomeMiss)

	return c.loadCoalesced(ctx, "profile:"+agent.String(), opFetchOne, agent)
}

// lookupCached re-checks the cache inside a flight, closing the window between
// a caller's miss and a flight that completed just before it joined.
func (c *Coordinator) lookupCached(operation string, agent burner.IdentityKey) (loadResult, bool) {
	if operation != opFetchOne {
		return loadResult{}, false
	}
	profile, ok := c.profileMap.Get(agent)
	if !ok {
		return loadResult{}, false
	}

	return loadResult{profile: profile, found: true}, true
}

// FetchSelf always re-queries remote for the caller's own profile, because
// the local copy may have just been created or edited elsewhere.
func (c *Coordinator) FetchSelf(ctx context.Context) (burner.Profile, bool, error) {
	return c.loadCoalesced(ctx, "self:"+c.self.String(), opFetchSelf, c.self)
}

func (c *Coordinator) loadCoalesced(
	ctx context.Context,
	flightKey string,
	operation string,
	agent burner.IdentityKey,
) (burner.Profile, bool, error) {
	detached := context.WithoutCancel(ctx)
	results := c.inflight.DoChan(flightKey, func() (any, error) {
		if cached, ok := c.lookupCached(operation, agent); ok {
			return cached, nil
		}
		return c.loadOne(detached, operation, agent)
	})

	select {
	case res := <-results:
		if res.Shared {
			c.metrics.RemoteCall(operation, telemetry.OutcomeCoalesced)
		}
		if res.Err != nil {
			return burner.Profile{}, false, res.Err
		}
		loaded := res.Val.(loadResult)
		return loaded.profile.Clone(), loaded.found, nil
	case <-ctx.Done():
		return burner.Profile{}, false, fmt.Errorf("fetch profile %s: %w", agent, ctx.Err())
	}
}

// loadOne performs one remote read and merges its result.
func (c *Coordinator) loadOne(ctx context.Context, operation string, agent burner.IdentityKey) (loadResult, error) {
	ctx, span := c.tracer.Start(ctx, "fetch."+operation, trace.WithAttributes(
		attribute.String("burner.agent", agent.String()),
	))
	defer span.End()

	envelope, err := c.profiles.FetchProfile(ctx, agent)
	if err != nil {
		c.metrics.RemoteCall(operation, telemetry.OutcomeError)
		err = remoteError(fmt.Sprintf("fetch profile %s", agent), err)
		recordSpanError(span, err)
		return loadResult{}, err
	}
	if envelope == nil || !envelope.HasEntry() {
		c.metrics.RemoteCall(operation, telemetry.OutcomeAbsent)
		return loadResult{}, nil
	}
	c.metrics.RemoteCall(operation, telemetry.OutcomeOK)

	profile, err := c.codec.Decode(envelope.Entry)
	if err != nil {
		c.metrics.DecodeFailure()
		err = decodeError(fmt.Sprintf("fetch profile %s", agent), err)
		recordSpanError(span, err)
		return loadResult{}, err
	}

	author := envelope.Author()
	if author.IsZero() {
		author = agent
	}
	c.profileMap.Put(author, profile)

	return loadResult{profile: profile, found: true}, nil
}

// FetchMany returns the profiles of agents, issuing at most one batched
// remote call that carries only the cache misses.
//
// Agents without a profile are omitted from the result. A record that fails
// to decode is skipped and logged; the rest of the batch is still merged.
func (c *Coordinator) FetchMany(ctx context.Context, agents []burner.IdentityKey) (map[burner.IdentityKey]burner.Profile, error) {
	requested := uniqueKeys(agents)
	if len(requested) == 0 {
		return map[burner.IdentityKey]burner.Profile{}, nil
	}

	snapshot := c.profileMap.Snapshot()
	missing := make([]burner.IdentityKey, 0, len(requested))
	for _, agent := range requested {
		if snapshot.Has(agent) {
			c.metrics.CacheLookup(telemetry.OutcomeHit)
			continue
		}
		c.metrics.CacheLookup(telemetry.OutcomeMiss)
		missing = append(missing, agent)
	}

	if len(missing) > 0 {
		err := detach(ctx, func(loadCtx context.Context) error {
			return c.loadMany(loadCtx, missing)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %d profiles: %w", len(missing), err)
		}
	}

	return c.profileMap.Snapshot().PickKeys(requested), nil
}

// detach runs load outside the caller's cancellation. When ctx ends first the
// caller gets ctx.Err() while load keeps running and merges on its own.
func detach(ctx context.Context, load func(context.Context) error) error {
	done := make(chan error, 1)
	loadCtx := context.WithoutCancel(ctx)
	go func() {
		done <- load(loadCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) loadMany(ctx context.Context, missing []burner.IdentityKey) error {
	ctx, span := c.tracer.Start(ctx, "fetch."+opFetchMany, trace.WithAttributes(
		attribute.Int("burner.missing", len(missing)),
	))
	defer span.End()

	envelopes, err := c.profiles.FetchProfiles(ctx, missing)
	if err != nil {
		c.metrics.RemoteCall(opFetchMany, telemetry.OutcomeError)
		err = remoteError("remote batch", err)
		recordSpanError(span, err)
		return err
	}
	c.metrics.RemoteCall(opFetchMany, telemetry.OutcomeOK)

	c.profileMap.Merge(c.decodeBatch(ctx, opFetchMany, envelopes))

	return nil
}

// SearchByPrefix returns every profile whose nickname starts with prefix.
//
// The prefix must be at least burner.MinSearchPrefixLen characters. Search
// always hits remote; results are merged into the cache and also returned.
func (c *Coordinator) SearchByPrefix(ctx context.Context, prefix string) (map[burner.IdentityKey]burner.Profile, error) {
	if utf8.RuneCountInString(prefix) < burner.MinSearchPrefixLen {
		return nil, fmt.Errorf("search profiles %q: prefix shorter than %d characters: %w",
			prefix, burner.MinSearchPrefixLen, burner.ErrInvalidArgument)
	}

	var found map[burner.IdentityKey]burner.Profile
	err := detach(ctx, func(loadCtx context.Context) error {
		var err error
		found, err = c.search(loadCtx, prefix)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("search profiles %q: %w", prefix, err)
	}

	return found, nil
}

func (c *Coordinator) search(ctx context.Context, prefix string) (map[burner.IdentityKey]burner.Profile, error) {
	ctx, span := c.tracer.Start(ctx, "fetch."+opSearch)
	defer span.End()

	envelopes, err := c.profiles.SearchProfiles(ctx, prefix)
	if err != nil {
		c.metrics.RemoteCall(opSearch, telemetry.OutcomeError)
		err = remoteError("remote search", err)
		recordSpanError(span, err)
		return nil, err
	}
	c.metrics.RemoteCall(opSearch, telemetry.OutcomeOK)

	found := c.decodeBatch(ctx, opSearch, envelopes)
	c.profileMap.Merge(found)

	return found, nil
}

// CreateProfile publishes the caller's profile and optimistically caches it
// under the caller's own key without a read-back. Nicknames are not unique.
func (c *Coordinator) CreateProfile(ctx context.Context, profile burner.Profile) error {
	return c.write(ctx, opCreate, profile, c.profiles.CreateProfile)
}

// UpdateProfile replaces the caller's profile, with the same optimistic local merge as CreateProfile.
func (c *Coordinator) UpdateProfile(ctx context.Context, profile burner.Profile) error {
	return c.write(ctx, opUpdate, profile, c.profiles.UpdateProfile)
}

func (c *Coordinator) write(
	ctx context.Context,
	operation string,
	profile burner.Profile,
	send func(context.Context, []byte) error,
) error {
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("%s profile: %w", operation, err)
	}
	entry, err := c.codec.Encode(profile)
	if err != nil {
		return fmt.Errorf("%s profile: %w", operation, err)
	}

	ctx, span := c.tracer.Start(ctx, "fetch."+operation)
	defer span.End()

	if err := send(ctx, entry); err != nil {
		c.metrics.RemoteCall(operation, telemetry.OutcomeError)
		err = remoteError(fmt.Sprintf("%s profile", operation), err)
		recordSpanError(span, err)
		return err
	}
	c.metrics.RemoteCall(operation, telemetry.OutcomeOK)

	c.profileMap.Put(c.self, profile)

	return nil
}

// FetchMembers loads the member list of channel, batch-fetches the members'
// profiles, and replaces the channel's membership entry.
//
// Concurrent refreshes of the same channel share one load. A load that was
// started before InvalidateMembers is never published, and later refreshes do
// not join it. A failure while fetching member profiles does not prevent the
// membership from being published; the profile error is logged.
func (c *Coordinator) FetchMembers(ctx context.Context, channel burner.ChannelID) (burner.Membership, error) {
	if channel == "" {
		return burner.Membership{}, fmt.Errorf("fetch members: empty channel: %w", burner.ErrInvalidArgument)
	}
	if c.channels == nil {
		return burner.Membership{}, fmt.Errorf("fetch members %s: channel service not configured", channel)
	}

	generation := c.generation(channel)
	flightKey := fmt.Sprintf("channel:%s#%d", channel, generation)
	detached := context.WithoutCancel(ctx)
	results := c.inflight.DoChan(flightKey, func() (any, error) {
		return c.loadMembers(detached, channel, generation)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return burner.Membership{}, res.Err
		}
		return res.Val.(burner.Membership).Clone(), nil
	case <-ctx.Done():
		return burner.Membership{}, fmt.Errorf("fetch members %s: %w", channel, ctx.Err())
	}
}

// InvalidateMembers drops the cached membership of channel and fences off
// every membership load already in flight for it.
//
// It must not be called synchronously from a membership cache observer.
func (c *Coordinator) InvalidateMembers(channel burner.ChannelID) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.generationMu.Lock()
	c.generations[channel]++
	c.generationMu.Unlock()

	c.memberships.Delete(channel)
}

func (c *Coordinator) generation(channel burner.ChannelID) uint64 {
	c.generationMu.Lock()
	defer c.generationMu.Unlock()

	return c.generations[channel]
}

// publishMembers stores membership unless channel was invalidated after the
// load that produced it began.
func (c *Coordinator) publishMembers(channel burner.ChannelID, generation uint64, membership burner.Membership) bool {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if c.generation(channel) != generation {
		return false
	}
	c.memberships.Put(channel, membership)

	return true
}

func (c *Coordinator) loadMembers(
	ctx context.Context,
	channel burner.ChannelID,
	generation uint64,
) (burner.Membership, error) {
	ctx, span := c.tracer.Start(ctx, "fetch."+opChannelMember)
	defer span.End()

	members, err := c.channels.ChannelMembers(ctx, channel)
	if err != nil {
		c.metrics.RemoteCall(opChannelMember, telemetry.OutcomeError)
		err = remoteError(fmt.Sprintf("fetch members %s", channel), err)
		recordSpanError(span, err)
		return burner.Membership{}, err
	}
	c.metrics.RemoteCall(opChannelMember, telemetry.OutcomeOK)

	membership := burner.NewMembership(channel, members)
	if _, err := c.FetchMany(ctx, membership.Keys()); err != nil {
		c.logger.WarnContext(ctx, "fetch member profiles failed",
			"channel", string(channel),
			"members", membership.Len(),
			"error", err,
		)
	}
	if !c.publishMembers(channel, generation, membership) {
		c.logger.DebugContext(ctx, "discard membership of invalidated channel",
			"channel", string(channel),
			"members", membership.Len(),
		)
	}

	return membership, nil
}

// decodeBatch decodes envelopes independently, skipping absent and malformed entries.
func (c *Coordinator) decodeBatch(ctx context.Context, operation string, envelopes []burner.Envelope) map[burner.IdentityKey]burner.Profile {
	decoded := make(map[burner.IdentityKey]burner.Profile, len(envelopes))
	for _, envelope := range envelopes {
		author := envelope.Author()
		if author.IsZero() || !envelope.HasEntry() {
			continue
		}
		profile, err := c.codec.Decode(envelope.Entry)
		if err != nil {
			c.metrics.DecodeFailure()
			c.logger.WarnContext(ctx, "skip undecodable profile entry",
				"operation", operation,
				"agent", author.String(),
				"error", err,
			)
			continue
		}
		decoded[author] = profile
	}

	return decoded
}

func uniqueKeys(keys []burner.IdentityKey) []burner.IdentityKey {
	unique := make([]burner.IdentityKey, 0, len(keys))
	seen := make(map[burner.IdentityKey]struct{}, len(keys))
	for _, key := range keys {
		if key.IsZero() {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	slices.SortFunc(unique, burner.IdentityKey.Compare)

	return unique
}

// remoteError tags transport failures with ErrRemoteUnavailable unless the
// remote already classified them.
func remoteError(scope string, err error) error {
	if errors.Is(err, burner.ErrRemoteUnavailable) ||
		errors.Is(err, burner.ErrInvalidArgument) ||
		errors.Is(err, burner.ErrDecodeFailure) {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return fmt.Errorf("%s: %w: %w", scope, burner.ErrRemoteUnavailable, err)
}

func decodeError(scope string, err error) error {
	if errors.Is(err, burner.ErrDecodeFailure) {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return fmt.Errorf("%s: %w: %w", scope, burner.ErrDecodeFailure, err)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Package remotetest provides an in-memory remote used by client-core tests.
package remotetest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"burnerchat/internal/codec"
	"burnerchat/pkg/burner"
)

// Call records one remote invocation.
type Call struct {
	Method  string
	Agents  []burner.IdentityKey
	Prefix  string
	Channel burner.ChannelID
}

// Remote is a scriptable fake of the remote profile, channel and signal APIs.
type Remote struct {
	// Self is the agent whose profile create/update calls write.
	Self burner.IdentityKey

	mu       sync.Mutex
	codec    *codec.CBOR
	entries  map[burner.IdentityKey][]byte
	members  map[burner.ChannelID][]burner.Member
	calls    []Call
	handlers map[int]burner.SignalHandlerFunc
	nextID   int
	failures map[string]error
	holds    map[string]hold

	// Gate, when set, is received from before any read call returns.
	Gate chan struct{}
	// Started, when set, receives one value as each read call begins.
	Started chan string
}

// New creates an empty remote for self.
func New(self burner.IdentityKey) *Remote {
	return &Remote{
		Self:     self,
		codec:    codec.MustNewCBOR(),
		entries:  make(map[burner.IdentityKey][]byte),
		members:  make(map[burner.ChannelID][]burner.Member),
		handlers: make(map[int]burner.SignalHandlerFunc),
		failures: make(map[string]error),
		holds:    make(map[string]hold),
	}
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

// Key builds a deterministic test key from a label.
func Key(label string) burner.IdentityKey {
	return burner.MustIdentityKey([]byte("agent:" + label))
}

// SetProfile stores an encoded profile for agent.
func (r *Remote) SetProfile(agent burner.IdentityKey, profile burner.Profile) {
	entry, err := r.codec.Encode(profile)
	if err != nil {
		panic(fmt.Sprintf("remotetest: encode fixture: %v", err))
	}
	r.SetEntry(agent, entry)
}

// SetEntry stores raw entry bytes for agent. A nil entry models a withdrawn record.
func (r *Remote) SetEntry(agent burner.IdentityKey, entry []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[agent] = entry
}

// SetMembers replaces the member list of channel.
func (r *Remote) SetMembers(channel burner.ChannelID, members ...burner.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[channel] = slices.Clone(members)
}

// FailNext makes the next call of method fail with err.
func (r *Remote) FailNext(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures[method] = err
}

// Calls returns the recorded invocations.
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.calls)
}

// CallCount returns how many times method was invoked.
func (r *Remote) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, call := range r.calls {
		if call.Method == method {
			count++
		}
	}

	return count
}

// Emit delivers a signal to every registered handler.
func (r *Remote) Emit(ctx context.Context, signal burner.Signal) {
	r.mu.Lock()
	handlers := slices.Collect(maps.Values(r.handlers))
	r.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, signal)
	}
}

// HandlerCount returns the number of registered signal handlers.
func (r *Remote) HandlerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.handlers)
}

// OnSignal implements burner.SignalSource.
func (r *Remote) OnSignal(handler burner.SignalHandlerFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers[id] = handler

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, id)
	}
}

// FetchProfile implements burner.ProfileStore.
func (r *Remote) FetchProfile(ctx context.Context, agent burner.IdentityKey) (*burner.Envelope, error) {
	if err := r.begin(ctx, Call{Method: "FetchProfile", Agents: []burner.IdentityKey{agent}}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[agent]
	if !ok {
		return nil, nil
	}
	envelope := envelopeFor(agent, entry)

	return &envelope, nil
}

// FetchProfiles implements burner.ProfileStore.
func (r *Remote) FetchProfiles(ctx context.Context, agents []burner.IdentityKey) ([]burner.Envelope, error) {
	if err := r.begin(ctx, Call{Method: "FetchProfiles", Agents: slices.Clone(agents)}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	envelopes := make([]burner.Envelope, 0, len(agents))
	for _, agent := range agents {
		if entry, ok := r.entries[agent]; ok {
			envelopes = append(envelopes, envelopeFor(agent, entry))
		}
	}

	return envelopes, nil
}

// SearchProfiles implements burner.ProfileStore by case-insensitive nickname prefix.
func (r *Remote) SearchProfiles(ctx context.Context, prefix string) ([]burner.Envelope, error) {
	if err := r.begin(ctx, Call{Method: "SearchProfiles", Prefix: prefix}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	envelopes := make([]burner.Envelope, 0)
	for agent, entry := range r.entries {
		profile, err := r.codec.Decode(entry)
		if err != nil {
			// Undecodable fixtures are returned as-is so callers exercise skip paths.
			envelopes = append(envelopes, envelopeFor(agent, entry))
			continue
		}
		if strings.HasPrefix(strings.ToLower(profile.Nickname), strings.ToLower(prefix)) {
			envelopes = append(envelopes, envelopeFor(agent, entry))
		}
	}

	return envelopes, nil
}

// CreateProfile implements burner.ProfileStore.
func (r *Remote) CreateProfile(ctx context.Context, entry []byte) error {
	if err := r.begin(ctx, Call{Method: "CreateProfile"}); err != nil {
		return err
	}
	r.SetEntry(r.Self, slices.Clone(entry))

	return nil
}

// UpdateProfile implements burner.ProfileStore.
func (r *Remote) UpdateProfile(ctx context.Context, entry []byte) error {
	if err := r.begin(ctx, Call{Method: "UpdateProfile"}); err != nil {
		return err
	}
	r.SetEntry(r.Self, slices.Clone(entry))

	return nil
}

// ChannelMembers implements burner.ChannelService.
func (r *Remote) ChannelMembers(ctx context.Context, channel burner.ChannelID) ([]burner.Member, error) {
	if err := r.begin(ctx, Call{Method: "ChannelMembers", Channel: channel}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	members := slices.Clone(r.members[channel])
	r.mu.Unlock()
	r.wait("ChannelMembers")

	return members, nil
}

// HoldChannelMembers makes the next ChannelMembers call read its answer and
// then wait for release before returning. entered is closed once the answer
// is read, so later SetMembers calls do not change what that call returns.
func (r *Remote) HoldChannelMembers() (entered <-chan struct{}, release func()) {
	held := hold{entered: make(chan struct{}), release: make(chan struct{})}

	r.mu.Lock()
	r.holds["ChannelMembers"] = held
	r.mu.Unlock()

	var once sync.Once
	return held.entered, func() {
		once.Do(func() { close(held.release) })
	}
}

func (r *Remote) wait(method string) {
	r.mu.Lock()
	held, ok := r.holds[method]
	delete(r.holds, method)
	r.mu.Unlock()

	if !ok {
		return
	}
	close(held.entered)
	<-held.release
}

// JoinChannel implements burner.ChannelService.
func (r *Remote) JoinChannel(ctx context.Context, input burner.ChannelInput) error {
	if err := r.begin(ctx, Call{Method: "JoinChannel", Channel: input.Channel}); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	members := slices.DeleteFunc(r.members[input.Channel], func(member burner.Member) bool {
		return member.Agent == r.Self
	})
	r.members[input.Channel] = append(members, burner.Member{Agent: r.Self, Username: input.Username})

	return nil
}

// BurnChannel implements burner.ChannelService.
func (r *Remote) BurnChannel(ctx context.Context, input burner.ChannelInput) error {
	if err := r.begin(ctx, Call{Method: "BurnChannel", Channel: input.Channel}); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, input.Channel)

	return nil
}

// SendMessage implements burner.ChannelService.
func (r *Remote) SendMessage(ctx context.Context, input burner.MessageInput) error {
	return r.begin(ctx, Call{Method: "SendMessage:" + string(input.Type), Channel: input.Channel})
}

func (r *Remote) begin(ctx context.Context, call Call) error {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	failure, failing := r.failures[call.Method]
	if failing {
		delete(r.failures, call.Method)
	}
	gate := r.Gate
	started := r.Started
	r.mu.Unlock()

	if started != nil {
		started <- call.Method
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", call.Method, burner.ErrRemoteUnavailable, ctx.Err())
		}
	}
	if failing {
		return failure
	}

	return nil
}

func envelopeFor(agent burner.IdentityKey, entry []byte) burner.Envelope {
	return burner.Envelope{
		SignedMetadata: burner.SignedMetadata{Content: burner.MetadataContent{Author: agent}},
		Entry:          slices.Clone(entry),
	}
}

var (
	_ burner.ProfileStore   = (*Remote)(nil)
	_ burner.ChannelService = (*Remote)(nil)
	_ burner.SignalSource   = (*Remote)(nil)
)

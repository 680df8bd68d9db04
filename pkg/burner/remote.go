package burner

import "context"

// ProfileStore is the remote profile API consumed by the fetch coordinator.
//
// Transport failures, including timeouts, must wrap ErrRemoteUnavailable.
type ProfileStore interface {
	// FetchProfile returns the profile envelope of one agent.
	//
	// When the agent has no profile, the envelope is nil and err is nil.
	FetchProfile(ctx context.Context, agent IdentityKey) (*Envelope, error)
	// FetchProfiles returns envelopes for the requested agents in a single round-trip.
	// Agents without a profile are omitted.
	FetchProfiles(ctx context.Context, agents []IdentityKey) ([]Envelope, error)
	// SearchProfiles returns envelopes whose nickname starts with prefix.
	SearchProfiles(ctx context.Context, prefix string) ([]Envelope, error)
	// CreateProfile publishes the caller's encoded profile entry.
	CreateProfile(ctx context.Context, entry []byte) error
	// UpdateProfile replaces the caller's encoded profile entry.
	UpdateProfile(ctx context.Context, entry []byte) error
}

// ChannelService is the remote channel API.
type ChannelService interface {
	// ChannelMembers lists the current members of a channel.
	ChannelMembers(ctx context.Context, channel ChannelID) ([]Member, error)
	// JoinChannel registers the caller as a channel member and announces the join.
	JoinChannel(ctx context.Context, input ChannelInput) error
	// BurnChannel destroys the channel membership and announces the burn.
	BurnChannel(ctx context.Context, input ChannelInput) error
	// SendMessage pushes a message-like signal to the channel members.
	SendMessage(ctx context.Context, input MessageInput) error
}

// SignalHandlerFunc receives one pushed signal.
type SignalHandlerFunc func(ctx context.Context, signal Signal)

// SignalSource delivers push notifications at most once and in no particular
// order relative to pending calls.
type SignalSource interface {
	// OnSignal registers handler and returns a function that removes it.
	OnSignal(handler SignalHandlerFunc) (remove func())
}

// Codec converts profiles to and from entry bytes.
type Codec interface {
	// Encode serializes a profile entry.
	Encode(profile Profile) ([]byte, error)
	// Decode parses an entry. Failures wrap ErrDecodeFailure.
	Decode(entry []byte) (Profile, error)
}

// Remote is the full collaborator surface one transport connection provides.
type Remote interface {
	ProfileStore
	ChannelService
	SignalSource
}

package burner

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// SignalType is the discriminant of a push signal.
type SignalType string

const (
	// SignalJoinChannel is pushed when an agent joins a channel.
	SignalJoinChannel SignalType = "JoinChannel"
	// SignalMessage carries a chat message for a channel.
	SignalMessage SignalType = "Message"
	// SignalBurnChannel is pushed when a channel is burned.
	SignalBurnChannel SignalType = "BurnChannel"
	// SignalEmojiCannon is an ephemeral decorative burst.
	SignalEmojiCannon SignalType = "EmojiCannon"
)

// Known reports whether t is a signal type this client understands.
func (t SignalType) Known() bool {
	switch t {
	case SignalJoinChannel, SignalMessage, SignalBurnChannel, SignalEmojiCannon:
		return true
	default:
		return false
	}
}

// Signal is one asynchronous push notification from the remote runtime.
//
// Payload stays opaque to the core; presentation layers decode it.
type Signal struct {
	// Type selects how the signal is routed.
	Type SignalType `json:"signalType"`
	// Channel scopes channel-bound signals.
	Channel ChannelID `json:"channel,omitempty"`
	// Username is the sender's display name when the signal carries one.
	Username string `json:"username,omitempty"`
	// Agent identifies the originating agent when known.
	Agent IdentityKey `json:"agent,omitzero"`
	// Payload is the opaque signal body.
	Payload json.RawMessage `json:"payload,omitempty"`
	// SentAt is the sender-side timestamp when provided.
	SentAt time.Time `json:"sentAt,omitzero"`
}

// Clone returns a copy that does not share the payload buffer.
func (s Signal) Clone() Signal {
	s.Payload = slices.Clone(s.Payload)
	return s
}

// Validate checks the invariants the router relies on.
func (s *Signal) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil signal", ErrInvalidSignal)
	}
	if s.Type == "" {
		return fmt.Errorf("%w: missing signal type", ErrInvalidSignal)
	}
	switch s.Type {
	case SignalJoinChannel, SignalMessage, SignalBurnChannel:
		if s.Channel == "" {
			return fmt.Errorf("%w: %s missing channel", ErrInvalidSignal, s.Type)
		}
	default:
	}

	return nil
}

// ChannelInput is the request body for join and burn calls.
type ChannelInput struct {
	Type     SignalType `json:"signalType"`
	Channel  ChannelID  `json:"channel"`
	Username string     `json:"username"`
}

// MessageInput is the request body for sending a channel signal.
type MessageInput struct {
	Type       SignalType      `json:"signalType"`
	Channel    ChannelID       `json:"channel"`
	SenderName string          `json:"senderName"`
	Payload    json.RawMessage `json:"payload"`
}

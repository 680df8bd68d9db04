// Package wire defines the JSON frames exchanged between clients and the
// ledger over a WebSocket connection.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"burnerchat/pkg/burner"
)

// Method names.
const (
	MethodHello             = "hello"
	MethodGetAgentProfile   = "get_agent_profile"
	MethodGetAgentsProfiles = "get_agents_profiles"
	MethodSearchProfiles    = "search_profiles"
	MethodCreateProfile     = "create_profile"
	MethodUpdateProfile     = "update_profile"
	MethodGetChannelMembers = "get_channel_members"
	MethodJoinChannel       = "join_channel"
	MethodBurnChannel       = "burn_channel"
	MethodSendMsg           = "send_msg"
)

// Error codes.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeUnknownMethod   = "unknown_method"
	CodeUnauthenticated = "unauthenticated"
	CodeInternal        = "internal"
)

// Request is one client-to-ledger call.
type Request struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ServerFrame is any ledger-to-client frame: a response carries ID and
// either Result or Error, a push carries Signal.
type ServerFrame struct {
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Signal *burner.Signal  `json:"signal,omitempty"`
}

// IsPush reports whether the frame is an unsolicited signal.
func (f ServerFrame) IsPush() bool {
	return f.Signal != nil && f.ID == 0
}

// Error is a failed call result.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Err maps the error onto the burner sentinel taxonomy.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	if e.Code == CodeInvalidArgument {
		return fmt.Errorf("%w: %w", burner.ErrInvalidArgument, e)
	}

	return fmt.Errorf("%w: %w", burner.ErrRemoteUnavailable, e)
}

// ErrorFrom renders err for the wire. Invalid arguments keep their code.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	if errors.Is(err, burner.ErrInvalidArgument) {
		return &Error{Code: CodeInvalidArgument, Message: err.Error()}
	}

	return &Error{Code: CodeInternal, Message: err.Error()}
}

// HelloParams identifies the connecting agent. It is the first client frame.
type HelloParams struct {
	Agent burner.IdentityKey `json:"agent"`
}

// AgentParams addresses one agent.
type AgentParams struct {
	Agent burner.IdentityKey `json:"agent"`
}

// AgentsParams addresses several agents.
type AgentsParams struct {
	Agents []burner.IdentityKey `json:"agents"`
}

// SearchParams carries a nickname prefix.
type SearchParams struct {
	Prefix string `json:"prefix"`
}

// EntryParams carries an encoded profile entry.
type EntryParams struct {
	Entry []byte `json:"entry"`
}

// ChannelParams addresses one channel.
type ChannelParams struct {
	Channel burner.ChannelID `json:"channel"`
}

package burner

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// MinSearchPrefixLen bounds remote search result sets.
const MinSearchPrefixLen = 3

// Profile is the decoded public profile record of one agent.
type Profile struct {
	// Nickname is the human-readable handle. It is not unique across agents.
	Nickname string `cbor:"nickname" json:"nickname"`
	// Fields stores free-form profile attributes such as avatar or bio.
	Fields map[string]string `cbor:"fields,omitempty" json:"fields,omitempty"`
}

// Validate checks that a profile can be published.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Nickname) == "" {
		return fmt.Errorf("validate profile: missing nickname: %w", ErrInvalidArgument)
	}
	for name := range p.Fields {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("validate profile: empty field name: %w", ErrInvalidArgument)
		}
	}

	return nil
}

// Clone returns a deep copy so cached snapshots never alias caller maps.
func (p Profile) Clone() Profile {
	cloned := p
	if len(p.Fields) > 0 {
		cloned.Fields = maps.Clone(p.Fields)
	} else {
		cloned.Fields = nil
	}

	return cloned
}

// Envelope is the remote record wrapper returned by profile reads.
type Envelope struct {
	// SignedMetadata carries the signed header of the record.
	SignedMetadata SignedMetadata `json:"signed_metadata"`
	// Entry is the encoded profile payload. Nil or empty means the record
	// carries no entry, for example after deletion, and decodes to "no profile".
	Entry []byte `json:"entry"`
}

// SignedMetadata is the signed header of a remote record.
type SignedMetadata struct {
	Content MetadataContent `json:"content"`
}

// MetadataContent identifies who wrote a record and when.
type MetadataContent struct {
	// Author is the agent that wrote the record; it is the cache key.
	Author IdentityKey `json:"author"`
	// Timestamp is the remote write time when known.
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Author is shorthand for SignedMetadata.Content.Author.
func (e Envelope) Author() IdentityKey {
	return e.SignedMetadata.Content.Author
}

// HasEntry reports whether the envelope carries an entry payload. An empty
// entry counts as absent.
func (e Envelope) HasEntry() bool {
	return len(e.Entry) > 0
}

// ChannelID is the opaque channel secret shared by members of one channel.
type ChannelID string

// Member is one agent's presence in a channel.
type Member struct {
	Agent    IdentityKey `json:"agent"`
	Username string      `json:"username"`
}

// Membership is the set of agents in one channel, keyed by agent.
type Membership struct {
	Channel ChannelID
	// Members maps agent to the username it joined with.
	Members map[IdentityKey]string
}

// NewMembership builds a membership set from a member list. Later duplicates win.
func NewMembership(channel ChannelID, members []Member) Membership {
	set := make(map[IdentityKey]string, len(members))
	for _, member := range members {
		if member.Agent.IsZero() {
			continue
		}
		set[member.Agent] = member.Username
	}

	return Membership{Channel: channel, Members: set}
}

// Has reports whether agent is a member.
func (m Membership) Has(agent IdentityKey) bool {
	_, ok := m.Members[agent]
	return ok
}

// Len returns the member count.
func (m Membership) Len() int {
	return len(m.Members)
}

// Keys returns member agents in byte order.
func (m Membership) Keys() []IdentityKey {
	keys := slices.Collect(maps.Keys(m.Members))
	slices.SortFunc(keys, IdentityKey.Compare)

	return keys
}

// Clone returns a deep copy.
func (m Membership) Clone() Membership {
	return Membership{Channel: m.Channel, Members: maps.Clone(m.Members)}
}

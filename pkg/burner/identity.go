package burner

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// identityKeyTextPrefix is the multibase code for unpadded base64url.
const identityKeyTextPrefix = "u"

// IdentityKey is an opaque binary agent identifier such as a public key.
//
// IdentityKey is a comparable value type: two keys are equal when their bytes
// are equal, so keys can be used directly as map keys. The zero value is the
// empty key and is never a valid agent identity.
type IdentityKey struct {
	raw string
}

// NewIdentityKey copies raw into a new identity key.
func NewIdentityKey(raw []byte) (IdentityKey, error) {
	if len(raw) == 0 {
		return IdentityKey{}, fmt.Errorf("new identity key: empty key: %w", ErrInvalidArgument)
	}

	return IdentityKey{raw: string(raw)}, nil
}

// MustIdentityKey is NewIdentityKey for statically known keys. It panics on empty input.
func MustIdentityKey(raw []byte) IdentityKey {
	key, err := NewIdentityKey(raw)
	if err != nil {
		panic(err)
	}

	return key
}

// ParseIdentityKey decodes the text form produced by IdentityKey.String.
func ParseIdentityKey(text string) (IdentityKey, error) {
	encoded, ok := strings.CutPrefix(strings.TrimSpace(text), identityKeyTextPrefix)
	if !ok {
		return IdentityKey{}, fmt.Errorf("parse identity key %q: missing %q prefix: %w",
			text, identityKeyTextPrefix, ErrInvalidArgument)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return IdentityKey{}, fmt.Errorf("parse identity key %q: %w: %w", text, ErrInvalidArgument, err)
	}

	return NewIdentityKey(raw)
}

// Bytes returns a copy of the raw key bytes.
func (k IdentityKey) Bytes() []byte {
	return []byte(k.raw)
}

// Len returns the key length in bytes.
func (k IdentityKey) Len() int {
	return len(k.raw)
}

// IsZero reports whether k is the empty key.
func (k IdentityKey) IsZero() bool {
	return k.raw == ""
}

// Equal reports byte-wise equality.
func (k IdentityKey) Equal(other IdentityKey) bool {
	return k.raw == other.raw
}

// Compare orders keys by their bytes and returns -1, 0 or +1.
func (k IdentityKey) Compare(other IdentityKey) int {
	return strings.Compare(k.raw, other.raw)
}

// String renders the key as multibase base64url text.
func (k IdentityKey) String() string {
	if k.IsZero() {
		return ""
	}

	return identityKeyTextPrefix + base64.RawURLEncoding.EncodeToString([]byte(k.raw))
}

// MarshalText implements encoding.TextMarshaler.
func (k IdentityKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text decodes to the zero key.
func (k *IdentityKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = IdentityKey{}
		return nil
	}
	parsed, err := ParseIdentityKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed

	return nil
}

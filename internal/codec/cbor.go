// Package codec encodes profile entries in the CBOR form stored by the ledger.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"burnerchat/pkg/burner"
)

// CBOR is the canonical profile entry codec.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR builds a codec with core deterministic encoding and strict decoding limits.
func NewCBOR() (*CBOR, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("new cbor codec: encode mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:   8,
		MaxMapPairs:       1024,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("new cbor codec: decode mode: %w", err)
	}

	return &CBOR{enc: enc, dec: dec}, nil
}

// MustNewCBOR is NewCBOR for static wiring. The option set is fixed, so it only panics on a library regression.
func MustNewCBOR() *CBOR {
	c, err := NewCBOR()
	if err != nil {
		panic(err)
	}

	return c
}

// Encode serializes a validated profile.
func (c *CBOR) Encode(profile burner.Profile) ([]byte, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	data, err := c.enc.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}

	return data, nil
}

// Decode parses an entry. Every failure wraps burner.ErrDecodeFailure.
func (c *CBOR) Decode(entry []byte) (burner.Profile, error) {
	if len(entry) == 0 {
		return burner.Profile{}, fmt.Errorf("decode profile: empty entry: %w", burner.ErrDecodeFailure)
	}

	var profile burner.Profile
	if err := c.dec.Unmarshal(entry, &profile); err != nil {
		return burner.Profile{}, fmt.Errorf("decode profile: %w: %w", burner.ErrDecodeFailure, err)
	}
	if profile.Nickname == "" {
		return burner.Profile{}, fmt.Errorf("decode profile: missing nickname: %w", burner.ErrDecodeFailure)
	}

	return profile.Clone(), nil
}

var _ burner.Codec = (*CBOR)(nil)

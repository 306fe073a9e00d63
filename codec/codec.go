// Package codec provides the deterministic, versioned encoding used across
// the MPC coordinator and the archive: a canonical CBOR encoding (sorted
// map keys, no self-describing tags) wrapped in a one-byte version tag, the
// nearest widely-used Go ecosystem analogue to BCS. Adapted from the
// teacher's codec.JSONCodec, generalized from JSON to canonical CBOR and
// from a package-global single version to a per-call version byte so
// callers can carry multiple live versions across an upgrade.
package codec

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/dwallet-labs/ika/errs"
)

// Version identifies the wire encoding of a versioned payload.
type Version uint8

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// Marshal canonically encodes v.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errs.MarkInvariant(err)
	}
	return b, nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return errs.MarkInvariant(err)
	}
	return nil
}

// Versioned wraps a payload with a version tag, so that future rounds or
// archive formats remain forward-compatible as output encodings evolve.
type Versioned struct {
	Version Version `cbor:"1,keyasint"`
	Payload []byte  `cbor:"2,keyasint"`
}

// MarshalVersioned encodes v at the given version and wraps it.
func MarshalVersioned(version Version, v any) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Marshal(Versioned{Version: version, Payload: payload})
}

// UnmarshalVersioned unwraps data and decodes its payload into v, returning
// the encoded version.
func UnmarshalVersioned(data []byte, v any) (Version, error) {
	var wrapper Versioned
	if err := Unmarshal(data, &wrapper); err != nil {
		return 0, err
	}
	if err := Unmarshal(wrapper.Payload, v); err != nil {
		return 0, err
	}
	return wrapper.Version, nil
}

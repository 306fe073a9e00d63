// Package protocolversion implements the single-integer protocol version
// gate: protocol-config values are frozen per version and may only
// change by bumping the version. This collapses a Major/Minor/Patch
// triple down to a single unsigned integer, since the dWallet network's
// protocol config is versioned as a whole rather than per-component.
package protocolversion

import (
	"github.com/cockroachdb/errors"

	"github.com/dwallet-labs/ika/errs"
)

// Version is a single protocol version number.
type Version uint64

const (
	// Min is the oldest protocol version this build still understands.
	Min Version = 1
	// MaxAllowed is the newest protocol version this build understands.
	// The current max is 1; the gate is preserved even though no version
	// beyond it exists yet.
	MaxAllowed Version = 1
)

// New validates v against [Min, MaxAllowed] and returns it.
func New(v Version) (Version, error) {
	if v < Min || v > MaxAllowed {
		return 0, errs.MarkInvariant(errors.Newf(
			"protocolversion: version %d out of range [%d, %d]", v, Min, MaxAllowed))
	}
	return v, nil
}

// Current is the version this build runs when none is configured.
func Current() Version { return MaxAllowed }

// Package accessstructure defines the identity and weighted-threshold
// types shared by every dWallet MPC component: session identifiers (SID),
// party identifiers (PID), and the weighted threshold access structure
// that decides which sets of parties are qualified to complete a round.
package accessstructure

import (
	"encoding/hex"

	"github.com/luxfi/crypto/bls"
)

// SID is a 32-byte opaque session identifier, assigned by the originating
// event and used as the commitment randomness seed for the round engine.
type SID [32]byte

// String returns the hex representation of the session identifier.
func (s SID) String() string {
	return hex.EncodeToString(s[:])
}

// PID is a dense, epoch-scoped party identifier. The mapping PID <->
// authority public key is frozen at epoch start.
type PID uint16

// AuthorityKey is the BLS public key bound to a PID for the lifetime of an
// epoch, used to attribute output-verifier quorum results and to verify
// certified-checkpoint signatures in the archive.
type AuthorityKey struct {
	PID       PID
	PublicKey *bls.PublicKey
}

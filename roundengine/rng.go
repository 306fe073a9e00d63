package roundengine

import (
	"encoding/binary"
	"io"
	"math/rand/v2"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/dwallet-labs/ika/accessstructure"
)

// DeterministicRNG is the only source of non-determinism Advance may use.
// It is derived from a per-round, per-attempt key-stream rooted in a
// secret seed that never leaves this derivation.
type DeterministicRNG struct {
	*rand.ChaCha8
}

// DeriveRNG computes rng = KDF(secretSeed, sid, mpcRound, attemptNumber).
// secretSeed is consumed here and never returned or logged.
func DeriveRNG(secretSeed []byte, sid accessstructure.SID, mpcRound, attemptNumber uint64) (*DeterministicRNG, error) {
	info := make([]byte, 0, 32+8+8)
	info = append(info, sid[:]...)
	info = binary.BigEndian.AppendUint64(info, mpcRound)
	info = binary.BigEndian.AppendUint64(info, attemptNumber)

	kdf := hkdf.New(sha3.New256, secretSeed, nil, info)
	var seed [32]byte
	if _, err := io.ReadFull(kdf, seed[:]); err != nil {
		return nil, err
	}
	return &DeterministicRNG{ChaCha8: rand.NewChaCha8(seed)}, nil
}

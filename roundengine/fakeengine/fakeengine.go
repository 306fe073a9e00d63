// Package fakeengine is a deterministic stand-in for the real
// threshold-ECDSA / class-groups / zk-proof engines, which are treated
// as out of scope here. It exercises the full roundengine.Engine
// contract (determinism, RNG-only non-determinism, malicious-party
// reporting, single-round vs multi-round protocols) without implementing
// any real cryptography, for use by roundengine and mpc tests.
package fakeengine

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/errs"
	"github.com/dwallet-labs/ika/protocolconfig"
	"github.com/dwallet-labs/ika/roundengine"
)

// Rounds maps each request kind to the MPC round at which it finalizes.
// DKG and Sign are two-round protocols; every other kind here finalizes
// at round 1 (single-round).
var Rounds = map[protocolconfig.RequestKind]uint64{
	protocolconfig.RequestDKG:                          2,
	protocolconfig.RequestImportedKeyVerification:       1,
	protocolconfig.RequestPresign:                       1,
	protocolconfig.RequestSign:                          2,
	protocolconfig.RequestNetworkDKG:                    1,
	protocolconfig.RequestNetworkReconfiguration:        1,
	protocolconfig.RequestEncryptedShareVerification:    1,
	protocolconfig.RequestPartialSignatureVerification:  1,
}

// Engine is a fakeengine.Engine for a single kind.
type Engine struct {
	Kind protocolconfig.RequestKind
}

// New returns a fake engine for kind.
func New(kind protocolconfig.RequestKind) *Engine {
	return &Engine{Kind: kind}
}

// Advance deterministically derives an outbound message/output from the
// request contents and the per-attempt RNG; it never reads real
// cryptographic material.
func (e *Engine) Advance(req roundengine.Request, rng *roundengine.DeterministicRNG) (roundengine.Result, error) {
	finalRound, ok := Rounds[e.Kind]
	if !ok {
		return roundengine.Result{}, errs.MarkInvariant(errors.Newf("fakeengine: unknown kind %d", e.Kind))
	}
	if req.Attempt.MPCRound == 0 || req.Attempt.MPCRound > finalRound {
		return roundengine.Result{}, errs.MarkInvariant(errors.Newf(
			"fakeengine: round %d out of range for kind %d (final round %d)", req.Attempt.MPCRound, e.Kind, finalRound))
	}

	transcript := digest(req, rng)

	if req.Attempt.MPCRound < finalRound {
		return roundengine.Result{Outcome: roundengine.OutcomeAdvance, OutboundMessage: transcript}, nil
	}
	return roundengine.Result{
		Outcome:       roundengine.OutcomeFinalize,
		PublicOutput:  roundengine.VersionedOutput{Payload: transcript},
		PrivateOutput: transcript,
	}, nil
}

// digest folds the session id, public input, sorted inbound messages, and
// a draw from rng into a deterministic byte string: identical inputs (and
// an identical RNG seed, which itself is a deterministic function of
// (sid, round, attempt)) always produce identical output, satisfying the
// determinism contract every engine must honor.
func digest(req roundengine.Request, rng *roundengine.DeterministicRNG) []byte {
	out := make([]byte, 0, 64)
	out = append(out, req.SID[:]...)
	out = append(out, req.PublicInput...)

	pids := make([]accessstructure.PID, 0, len(req.InboundMessages))
	for pid := range req.InboundMessages {
		pids = append(pids, pid)
	}
	sortPIDs(pids)
	for _, pid := range pids {
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(pid))
		out = append(out, buf[:]...)
		out = append(out, req.InboundMessages[pid]...)
	}

	var drawBuf [8]byte
	binary.BigEndian.PutUint64(drawBuf[:], rng.Uint64())
	out = append(out, drawBuf[:]...)
	return out
}

func sortPIDs(pids []accessstructure.PID) {
	for i := 1; i < len(pids); i++ {
		for j := i; j > 0 && pids[j-1] > pids[j]; j-- {
			pids[j-1], pids[j] = pids[j], pids[j-1]
		}
	}
}

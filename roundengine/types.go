// Package roundengine is the uniform façade over each MPC protocol: a
// single Advance entry point that delegates to a concrete, registered
// Engine via a tagged-variant idiom, carrying the determinism, privacy,
// and versioned-output contracts that every protocol must honor.
package roundengine

import (
	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/protocolconfig"
)

// Attempt identifies one advance attempt: the session, the MPC round being
// advanced, and the retry count used to derive fresh-but-deterministic
// randomness for this attempt.
type Attempt struct {
	SID      accessstructure.SID
	MPCRound uint64
	Number   uint64
}

// Request is the input to one Advance call.
type Request struct {
	Kind              protocolconfig.RequestKind
	SID               accessstructure.SID
	PID               accessstructure.PID
	AccessStructure   *accessstructure.Structure
	Attempt           Attempt
	InboundMessages   map[accessstructure.PID][]byte // prior round, this attempt
	PublicInput       []byte
	AuxiliaryInput    []byte
	PrivateInput      []byte
	DecryptionShares  map[accessstructure.PID][]byte // required for Sign, NetworkReconfiguration
}

// Outcome discriminates the three terminal shapes Advance can produce.
type Outcome uint8

const (
	OutcomeAdvance Outcome = iota
	OutcomeFinalize
	OutcomeFail
)

// Result is the output of one Advance call.
type Result struct {
	Outcome          Outcome
	OutboundMessage  []byte          // set iff Outcome == OutcomeAdvance
	PublicOutput     VersionedOutput // set iff Outcome == OutcomeFinalize
	PrivateOutput    []byte          // set iff Outcome == OutcomeFinalize
	MaliciousParties []accessstructure.PID
}

// VersionedOutput is a public output wrapped with a version byte so future
// rounds remain forward-compatible.
type VersionedOutput struct {
	Version uint8
	Payload []byte
}

// Engine is one MPC protocol's round function. Concrete engines are
// registered into a Registry keyed by protocolconfig.RequestKind.
type Engine interface {
	Advance(req Request, rng *DeterministicRNG) (Result, error)
}

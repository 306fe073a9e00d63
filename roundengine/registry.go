package roundengine

import (
	"github.com/cockroachdb/errors"

	"github.com/dwallet-labs/ika/errs"
	"github.com/dwallet-labs/ika/protocolconfig"
)

// Registry is the tagged-variant dispatch table keyed by
// protocolconfig.RequestKind, following a registry-of-implementations
// idiom.
type Registry struct {
	engines map[protocolconfig.RequestKind]Engine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[protocolconfig.RequestKind]Engine)}
}

// Register installs engine as the implementation for kind. Registering the
// same kind twice overwrites the previous engine.
func (r *Registry) Register(kind protocolconfig.RequestKind, engine Engine) {
	r.engines[kind] = engine
}

// requiresDecryptionShares reports whether kind needs a populated
// DecryptionShares input: today, signing and network reconfiguration.
func requiresDecryptionShares(kind protocolconfig.RequestKind) bool {
	return kind == protocolconfig.RequestSign || kind == protocolconfig.RequestNetworkReconfiguration
}

// Adapter is the single Advance entry point the MPC coordinator calls: it
// derives the per-attempt RNG, dispatches to the registered engine for
// req.Kind, and enforces the adapter-level contracts that every engine
// shares (decryption-share presence, versioned output wrapping).
type Adapter struct {
	registry    *Registry
	secretSeed  []byte
	outputVersion uint8
}

// NewAdapter returns an Adapter that dispatches through registry, deriving
// RNG from secretSeed (which the adapter retains but never exposes) and
// tagging finalized outputs with outputVersion.
func NewAdapter(registry *Registry, secretSeed []byte, outputVersion uint8) *Adapter {
	return &Adapter{registry: registry, secretSeed: secretSeed, outputVersion: outputVersion}
}

// Advance runs one round-advance attempt.
func (a *Adapter) Advance(req Request) (Result, error) {
	if requiresDecryptionShares(req.Kind) && len(req.DecryptionShares) == 0 {
		return Result{}, errs.MarkInvariant(errors.Newf(
			"roundengine: request kind %d requires decryption_key_shares", req.Kind))
	}

	engine, ok := a.registry.engines[req.Kind]
	if !ok {
		return Result{}, errs.MarkInvariant(errors.Newf("roundengine: no engine registered for kind %d", req.Kind))
	}

	rng, err := DeriveRNG(a.secretSeed, req.SID, req.Attempt.MPCRound, req.Attempt.Number)
	if err != nil {
		return Result{}, errs.MarkInvariant(err)
	}

	result, err := engine.Advance(req, rng)
	if err != nil {
		return Result{}, err
	}
	if result.Outcome == OutcomeFinalize && result.PublicOutput.Version == 0 {
		result.PublicOutput.Version = a.outputVersion
	}
	return result, nil
}

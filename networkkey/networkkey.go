// Package networkkey holds the per-network-encryption-key decryption
// shares and public parameters that sign and reconfiguration rounds
// consume as auxiliary input. It is updated by the coordinator whenever a
// network-DKG or reconfiguration session finalizes, and otherwise read
// through snapshot clones so callers never observe a partially-updated
// key.
package networkkey

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/errs"
)

// KeyID identifies one network encryption key.
type KeyID [32]byte

// DecryptionKeyShare is one authority's opaque share of a network
// encryption key; the class-groups representation is out of scope here.
type DecryptionKeyShare []byte

type entry struct {
	shares            map[accessstructure.PID]DecryptionKeyShare
	publicParameters  []byte
}

// Manager is the per-epoch set of network encryption keys. Safe for
// concurrent use: writers (the coordinator, on session finalization) and
// readers (round dispatch, building auxiliary input) never need external
// synchronization.
type Manager struct {
	mu   sync.Mutex
	keys map[KeyID]*entry
}

// New returns an empty manager for a fresh epoch.
func New() *Manager {
	return &Manager{keys: make(map[KeyID]*entry)}
}

// InstallFromDKG records the shares produced by a freshly finalized
// network-DKG session, overwriting any prior entry for kid.
func (m *Manager) InstallFromDKG(kid KeyID, shares map[accessstructure.PID]DecryptionKeyShare, publicParameters []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[kid] = &entry{shares: cloneShares(shares), publicParameters: append([]byte(nil), publicParameters...)}
}

// ApplyReconfiguration replaces kid's shares with the re-encrypted shares
// produced by a finalized reconfiguration session for the new committee.
// publicParameters, if non-nil, replaces the stored value; reconfiguration
// does not have to change the public parameters.
func (m *Manager) ApplyReconfiguration(kid KeyID, newShares map[accessstructure.PID]DecryptionKeyShare, publicParameters []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[kid]
	if !ok {
		return errs.MarkInvariant(errors.Newf("networkkey: reconfiguration for unknown key %x", kid))
	}
	e.shares = cloneShares(newShares)
	if publicParameters != nil {
		e.publicParameters = append([]byte(nil), publicParameters...)
	}
	return nil
}

// GetDecryptionKeyShares returns a snapshot clone of kid's current shares,
// for use as auxiliary input to a sign or reconfiguration round. The
// returned map is safe to retain; it does not alias the manager's state.
func (m *Manager) GetDecryptionKeyShares(kid KeyID) (map[accessstructure.PID]DecryptionKeyShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[kid]
	if !ok {
		return nil, errs.MarkInvariant(errors.Newf("networkkey: unknown key %x", kid))
	}
	return cloneShares(e.shares), nil
}

// PublicParameters returns a copy of kid's public parameters.
func (m *Manager) PublicParameters(kid KeyID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[kid]
	if !ok {
		return nil, errs.MarkInvariant(errors.Newf("networkkey: unknown key %x", kid))
	}
	return append([]byte(nil), e.publicParameters...), nil
}

// Has reports whether kid has an installed entry.
func (m *Manager) Has(kid KeyID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[kid]
	return ok
}

func cloneShares(in map[accessstructure.PID]DecryptionKeyShare) map[accessstructure.PID]DecryptionKeyShare {
	out := make(map[accessstructure.PID]DecryptionKeyShare, len(in))
	for pid, share := range in {
		out[pid] = append(DecryptionKeyShare(nil), share...)
	}
	return out
}

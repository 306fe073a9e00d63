package accessstructure

import (
	"github.com/cockroachdb/errors"
	"github.com/luxfi/crypto/bls"

	"github.com/dwallet-labs/ika/errs"
	safemath "github.com/dwallet-labs/ika/utils/math"
	"github.com/dwallet-labs/ika/utils/set"
)

// Structure is the weighted threshold access structure for one epoch: it
// maps every PID to a positive integer weight and carries the threshold t
// that a set of parties' combined weight must reach to be qualified.
//
// Invariants:
//   - t <= sum(weights)/2              (Byzantine safety)
//   - t >= floor(2*sum(weights)/3) + 1 (liveness)
type Structure struct {
	weights     map[PID]uint64
	authorities map[PID]*bls.PublicKey
	threshold   uint64
	totalWeight uint64
}

// New builds a Structure from a weight map and threshold, validating both
// invariants. authorities may be nil for callers that don't need signature
// attribution (e.g. unit tests of the round engine).
func New(weights map[PID]uint64, authorities map[PID]*bls.PublicKey, threshold uint64) (*Structure, error) {
	s := &Structure{
		weights:     make(map[PID]uint64, len(weights)),
		authorities: make(map[PID]*bls.PublicKey, len(authorities)),
		threshold:   threshold,
	}
	for pid, w := range weights {
		if w == 0 {
			return nil, errs.MarkInvariant(errors.Newf("accessstructure: party %d has zero weight", pid))
		}
		s.weights[pid] = w
		total, err := safemath.Add64(s.totalWeight, w)
		if err != nil {
			return nil, errs.MarkInvariant(errors.Newf("accessstructure: total weight overflow adding party %d", pid))
		}
		s.totalWeight = total
	}
	for pid, pk := range authorities {
		s.authorities[pid] = pk
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks both threshold invariants against the current weight map.
func (s *Structure) Validate() error {
	if s.threshold > s.totalWeight/2 {
		return errs.MarkInvariant(errors.Newf(
			"accessstructure: threshold %d exceeds safety bound (total weight %d)/2", s.threshold, s.totalWeight))
	}
	liveness := (2*s.totalWeight)/3 + 1
	if s.threshold < liveness {
		return errs.MarkInvariant(errors.Newf(
			"accessstructure: threshold %d below liveness bound %d", s.threshold, liveness))
	}
	return nil
}

// Weight returns the weight of pid, or 0 if pid is not a member.
func (s *Structure) Weight(pid PID) uint64 {
	return s.weights[pid]
}

// Threshold returns t.
func (s *Structure) Threshold() uint64 {
	return s.threshold
}

// TotalWeight returns the sum of all member weights.
func (s *Structure) TotalWeight() uint64 {
	return s.totalWeight
}

// AuthorityKey returns the BLS public key bound to pid, if any.
func (s *Structure) AuthorityKey(pid PID) (*bls.PublicKey, bool) {
	pk, ok := s.authorities[pid]
	return pk, ok
}

// Members returns every PID in the structure.
func (s *Structure) Members() []PID {
	out := make([]PID, 0, len(s.weights))
	for pid := range s.weights {
		out = append(out, pid)
	}
	return out
}

// IsQualified reports whether the combined weight of parties reaches t.
func (s *Structure) IsQualified(parties set.Set[PID]) bool {
	return s.WeightOf(parties) >= s.threshold
}

// WeightOf sums the weight of every member of parties that is present in
// the structure; unknown PIDs contribute zero.
func (s *Structure) WeightOf(parties set.Set[PID]) uint64 {
	var total uint64
	for pid := range parties {
		total += s.weights[pid]
	}
	return total
}

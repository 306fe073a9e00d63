package session

import (
	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/protocolconfig"
	"github.com/dwallet-labs/ika/utils/set"
)

// ReadyPlan is the message set and authorizing consensus round for one
// advance candidate, computed by ScanReady.
type ReadyPlan struct {
	Messages map[accessstructure.PID][]byte
	// AuthorizedAt is the earliest consensus round c* at which the
	// qualification held, before the round-delay was applied.
	AuthorizedAt uint64
}

// ScanReady implements the readiness rule: scan MessagesByConsensusRound
// in insertion order, accumulating the union of the buffered messages, and
// report the earliest consensus round c* at which that union becomes
// qualified. Messages carry no MPC round and are not filtered by one; the
// buckets hold only what arrived since AdvanceRound last cleared them. The advance is authorized once the
// caller-supplied current consensus round is at least delay rounds past
// c*.
func (s *State) ScanReady(
	structure *accessstructure.Structure,
	kind protocolconfig.RequestKind,
	params protocolconfig.Parameters,
	currentConsensusRound uint64,
) (ReadyPlan, bool) {
	union := make(map[accessstructure.PID][]byte)
	seen := set.NewSet[accessstructure.PID](0)
	var qualifiedAt uint64
	qualifiedAtSet := false

	s.MessagesByConsensusRound.Iterate(func(c uint64, bucket map[accessstructure.PID][]byte) bool {
		for pid, msg := range bucket {
			if _, ok := union[pid]; !ok {
				union[pid] = msg
				seen.Add(pid)
			}
		}
		if !qualifiedAtSet && structure.IsQualified(seen) {
			qualifiedAt = c
			qualifiedAtSet = true
		}
		return true
	})

	if !qualifiedAtSet {
		return ReadyPlan{}, false
	}

	delay := params.RoundDelay(kind, s.CurrentMPCRound)
	if currentConsensusRound < qualifiedAt+delay {
		return ReadyPlan{}, false
	}

	return ReadyPlan{Messages: union, AuthorizedAt: qualifiedAt}, true
}

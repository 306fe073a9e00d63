// Package session implements the per-epoch session registry: a map of
// session identifiers to session state, the per-round message bags,
// attempt counters, and threshold-not-reached history.
package session

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/errs"
	"github.com/dwallet-labs/ika/protocolconfig"
	"github.com/dwallet-labs/ika/utils/linked"
	"github.com/dwallet-labs/ika/utils/set"
)

// Status is the lifecycle state of a session.
type Status uint8

const (
	StatusActive Status = iota
	StatusFinalized
	StatusFailed
)

// SessionType distinguishes system-initiated from user-initiated sessions
// for the coordinator's dispatch priority ordering.
type SessionType uint8

const (
	SessionTypeUser SessionType = iota
	SessionTypeSystem
)

// EventData is the request the originating consensus event carried.
type EventData struct {
	RequestKind       protocolconfig.RequestKind
	PublicInput       []byte
	PrivateInput      []byte
	DecryptionShares  map[accessstructure.PID][]byte
	Type              SessionType
	SequenceNumber    uint64
}

// State is one MPC session's mutable record.
type State struct {
	SID        accessstructure.SID
	EventData  *EventData
	Status     Status

	// CurrentMPCRound is 1-based; round 1 runs without inbound messages.
	CurrentMPCRound uint64

	// MessagesByConsensusRound preserves the consensus rounds in
	// insertion order: one bucket for each consensus round in which any
	// message for this session arrived.
	MessagesByConsensusRound *linked.Hashmap[uint64, map[accessstructure.PID][]byte]

	// ThresholdNotReachedConsensusRounds[r] is the (unordered) set of
	// consensus rounds at which an advance of MPC round r was attempted
	// and failed for lack of a qualified set.
	ThresholdNotReachedConsensusRounds map[uint64]set.Set[uint64]
}

func newState(sid accessstructure.SID) *State {
	return &State{
		SID:                                sid,
		Status:                             StatusActive,
		CurrentMPCRound:                    1,
		MessagesByConsensusRound:           linked.NewHashmap[uint64, map[accessstructure.PID][]byte](),
		ThresholdNotReachedConsensusRounds: make(map[uint64]set.Set[uint64]),
	}
}

// AttemptCount returns the number of failed advance attempts recorded for
// mpcRound.
func (s *State) AttemptCount(mpcRound uint64) int {
	return s.ThresholdNotReachedConsensusRounds[mpcRound].Len()
}

// AdvanceRound moves the session to the next MPC round, clearing the
// message buckets that were collected to authorize the round just
// completed. Called by the coordinator after dispatching an Advance
// outcome.
func (s *State) AdvanceRound() {
	s.CurrentMPCRound++
	s.MessagesByConsensusRound.Clear()
}

// Registry is the per-epoch session map. Mutated only by the MPC
// coordinator; internally synchronized so that message
// ingestion, session creation, and tick dispatch can run from a single
// coordinator goroutine without data races against concurrent readers
// (e.g. metrics scraping).
type Registry struct {
	mu          sync.Mutex
	sessions    map[accessstructure.SID]*State
	maliciousParties set.Set[accessstructure.PID]
}

// NewRegistry returns an empty registry for a fresh epoch.
func NewRegistry() *Registry {
	return &Registry{
		sessions:         make(map[accessstructure.SID]*State),
		maliciousParties: set.NewSet[accessstructure.PID](0),
	}
}

// NewMPCSession idempotently installs eventData on sid's session, creating
// the session in Active state if it does not exist yet.
func (r *Registry) NewMPCSession(sid accessstructure.SID, eventData *EventData) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sid]
	if !ok {
		st = newState(sid)
		r.sessions[sid] = st
	}
	if st.EventData == nil {
		st.EventData = eventData
	}
	return st
}

// Get returns sid's session state, if any.
func (r *Registry) Get(sid accessstructure.SID) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sid]
	return st, ok
}

// All returns every open session. The returned slice is a snapshot; it may
// be stale immediately after the lock is released.
func (r *Registry) All() []*State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*State, 0, len(r.sessions))
	for _, st := range r.sessions {
		out = append(out, st)
	}
	return out
}

// IsMalicious reports whether pid is in the globally tracked malicious set.
func (r *Registry) IsMalicious(pid accessstructure.PID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maliciousParties.Contains(pid)
}

// MarkMalicious adds pid to the malicious set; its subsequent messages are
// dropped at the edge.
func (r *Registry) MarkMalicious(pid accessstructure.PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maliciousParties.Add(pid)
}

// Message is one party's contribution for one session, received during
// one consensus round.
type Message struct {
	SID   accessstructure.SID
	PID   accessstructure.PID
	Bytes []byte
}

// HandleConsensusRoundMessages processes every message received during
// consensus round c. Every open session that already
// holds at least one message gets an empty bucket for c installed first,
// so that subsequent round-delay analysis is synchronous across
// validators even for sessions that receive no message this round.
// Unknown sessions are created eagerly in Active state with EventData nil,
// so their messages are buffered until the originating event arrives.
func (r *Registry) HandleConsensusRoundMessages(c uint64, msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.sessions {
		if st.MessagesByConsensusRound.Len() > 0 {
			if _, ok := st.MessagesByConsensusRound.Get(c); !ok {
				st.MessagesByConsensusRound.Put(c, make(map[accessstructure.PID][]byte))
			}
		}
	}

	for _, m := range msgs {
		if r.maliciousParties.Contains(m.PID) {
			continue
		}
		st, ok := r.sessions[m.SID]
		if !ok {
			st = newState(m.SID)
			r.sessions[m.SID] = st
		}
		bucket, ok := st.MessagesByConsensusRound.Get(c)
		if !ok {
			bucket = make(map[accessstructure.PID][]byte)
			st.MessagesByConsensusRound.Put(c, bucket)
		}
		bucket[m.PID] = m.Bytes
	}
}

// RecordThresholdNotReached records that an advance attempt of sid's
// current MPC round at consensus round c failed for lack of a qualified
// set.
func (r *Registry) RecordThresholdNotReached(c uint64, sid accessstructure.SID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sid]
	if !ok {
		return errs.MarkInvariant(errors.Newf("session: unknown session %s", sid))
	}
	rounds, ok := st.ThresholdNotReachedConsensusRounds[st.CurrentMPCRound]
	if !ok {
		rounds = set.NewSet[uint64](1)
	}
	rounds.Add(c)
	st.ThresholdNotReachedConsensusRounds[st.CurrentMPCRound] = rounds
	return nil
}

// Package outputverifier tallies the outputs authorities locally observe
// for a session and decides, independently of consensus, when enough
// weight agrees on one output to call it a quorum. The verifier's result
// is advisory: it only becomes canonical once the chain observes a quorum
// certificate, but it lets a validator act (and detect divergent
// authorities) well before that certificate lands.
package outputverifier

import (
	"sync"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/utils/bag"
)

// Status is the tally's lifecycle state for one (sid, session_request)
// pair.
type Status uint8

const (
	StatusNotEnoughVotes Status = iota
	StatusQuorum
)

// Validator checks a claimed output for local well-formedness (e.g.
// deserialization) before it is tallied. A nil Validator accepts every
// output.
type Validator func(output []byte) error

// Result is returned from every Submit call.
type Result struct {
	Status Status
	// Output is set iff Status == StatusQuorum.
	Output []byte
	// SubmitterMalicious is true iff the submitting authority's vote was
	// itself the cause of a Malicious verdict (malformed output, or a
	// second differing output for the same session).
	SubmitterMalicious bool
	// NewlyDivergent lists authorities (besides the submitter) whose
	// already-recorded vote for this (sid, session_request) disagreed
	// with the output that just reached quorum.
	NewlyDivergent []accessstructure.PID
}

type key struct {
	sid            accessstructure.SID
	sessionRequest string
}

type tally struct {
	weights *bag.Bag[string]
	votedBy map[string][]accessstructure.PID // output -> voters, in submission order
	status  Status
	quorum  []byte
}

// Verifier is the per-epoch output tally. Safe for concurrent use.
type Verifier struct {
	mu        sync.Mutex
	structure *accessstructure.Structure
	validate  Validator

	tallies map[key]*tally
	// history[pid][key] is the single output pid has submitted for key so
	// far; a second, different output for the same key is malicious.
	history map[accessstructure.PID]map[key][]byte
}

// New returns an empty verifier over structure's weights and threshold.
// validate may be nil to accept every well-formed-by-construction output.
func New(structure *accessstructure.Structure, validate Validator) *Verifier {
	return &Verifier{
		structure: structure,
		validate:  validate,
		tallies:   make(map[key]*tally),
		history:   make(map[accessstructure.PID]map[key][]byte),
	}
}

// Submit records one authority's claimed output for (sid, sessionRequest).
func (v *Verifier) Submit(sid accessstructure.SID, sessionRequest []byte, authority accessstructure.PID, output []byte) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.validate != nil {
		if err := v.validate(output); err != nil {
			return Result{Status: StatusNotEnoughVotes, SubmitterMalicious: true}
		}
	}

	k := key{sid: sid, sessionRequest: string(sessionRequest)}

	perAuthority, ok := v.history[authority]
	if !ok {
		perAuthority = make(map[key][]byte)
		v.history[authority] = perAuthority
	}
	if prior, ok := perAuthority[k]; ok && string(prior) != string(output) {
		return Result{Status: v.statusOf(k), SubmitterMalicious: true}
	}
	perAuthority[k] = output

	t, ok := v.tallies[k]
	if !ok {
		t = &tally{weights: weightedBag(), votedBy: make(map[string][]accessstructure.PID)}
		v.tallies[k] = t
	}

	if t.status == StatusQuorum {
		return Result{Status: StatusQuorum, Output: t.quorum}
	}

	outStr := string(output)
	if !containsPID(t.votedBy[outStr], authority) {
		t.votedBy[outStr] = append(t.votedBy[outStr], authority)
		t.weights.AddCount(outStr, int(v.structure.Weight(authority)))
	}

	if uint64(t.weights.Count(outStr)) < v.structure.Threshold() {
		return Result{Status: StatusNotEnoughVotes}
	}

	t.status = StatusQuorum
	t.quorum = output

	var divergent []accessstructure.PID
	for other, voters := range t.votedBy {
		if other == outStr {
			continue
		}
		divergent = append(divergent, voters...)
	}

	return Result{Status: StatusQuorum, Output: output, NewlyDivergent: divergent}
}

// StatusOf reports the current tally status for (sid, sessionRequest)
// without submitting a new vote.
func (v *Verifier) StatusOf(sid accessstructure.SID, sessionRequest []byte) (Status, []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := key{sid: sid, sessionRequest: string(sessionRequest)}
	t, ok := v.tallies[k]
	if !ok {
		return StatusNotEnoughVotes, nil
	}
	return t.status, t.quorum
}

func (v *Verifier) statusOf(k key) Status {
	if t, ok := v.tallies[k]; ok {
		return t.status
	}
	return StatusNotEnoughVotes
}

func weightedBag() *bag.Bag[string] {
	b := bag.New[string]()
	return &b
}

func containsPID(pids []accessstructure.PID, pid accessstructure.PID) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

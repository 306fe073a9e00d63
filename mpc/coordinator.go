// Package mpc implements the top-level coordinator tick: the loop that,
// once per committed consensus sub-DAG, selects ready sessions, dispatches
// their next round advance to the computation orchestrator, and applies
// the results. It also carries the supplementary event routing the
// original network needs but the distilled round-advance loop alone does
// not cover: protocol-version capability notifications and
// locally-detected malicious-with-failure sessions.
package mpc

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/compute"
	"github.com/dwallet-labs/ika/log"
	"github.com/dwallet-labs/ika/networkkey"
	"github.com/dwallet-labs/ika/protocolconfig"
	"github.com/dwallet-labs/ika/protocolversion"
	"github.com/dwallet-labs/ika/roundengine"
	"github.com/dwallet-labs/ika/session"
	"github.com/dwallet-labs/ika/utils/set"
)

// OutboundMessage is one party's round message, ready to be broadcast
// through consensus.
type OutboundMessage struct {
	SID      accessstructure.SID
	MPCRound uint64
	Bytes    []byte
}

// FinalizeHook is invoked for every session that finalizes this tick, so
// that callers can verify attached encrypted shares, publish the output,
// or fold a network-DKG/reconfiguration result into the network-key
// manager. The coordinator always performs the network-key update itself
// when NetworkKeyUpdate is returned non-nil; the hook only needs to
// supply that translation from a VersionedOutput to shares.
type FinalizeHook interface {
	OnFinalize(kind protocolconfig.RequestKind, sid accessstructure.SID, result roundengine.Result) (*NetworkKeyUpdate, error)
}

// NetworkKeyUpdate is what a FinalizeHook returns when a finalized session
// carries a network-key change.
type NetworkKeyUpdate struct {
	KeyID             networkkey.KeyID
	Shares            map[accessstructure.PID]networkkey.DecryptionKeyShare
	PublicParameters  []byte
	IsReconfiguration bool
}

type noopHook struct{}

func (noopHook) OnFinalize(protocolconfig.RequestKind, accessstructure.SID, roundengine.Result) (*NetworkKeyUpdate, error) {
	return nil, nil
}

// Coordinator drives one epoch's worth of session advancement.
type Coordinator struct {
	ownPID    accessstructure.PID
	structure *accessstructure.Structure
	params    protocolconfig.Parameters

	sessions     *session.Registry
	orchestrator *compute.Orchestrator
	networkKeys  *networkkey.Manager
	hook        FinalizeHook
	logger      log.Logger

	Outbound chan OutboundMessage

	mu                                 sync.Mutex
	lastSessionToCompleteInCurrentEpoch uint64
	capabilities                       map[accessstructure.PID]protocolversion.Version

	pendingForCommittee   []func()
	pendingForNetworkKeys []func()
}

// Config bundles Coordinator's construction dependencies.
type Config struct {
	OwnPID       accessstructure.PID
	Structure    *accessstructure.Structure
	Params       protocolconfig.Parameters
	Sessions     *session.Registry
	Orchestrator *compute.Orchestrator
	NetworkKeys  *networkkey.Manager
	Hook         FinalizeHook
	Logger       log.Logger
}

// New constructs a Coordinator from cfg. A nil Hook installs a no-op.
func New(cfg Config) *Coordinator {
	hook := cfg.Hook
	if hook == nil {
		hook = noopHook{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNoOp()
	}
	return &Coordinator{
		ownPID:       cfg.OwnPID,
		structure:    cfg.Structure,
		params:       cfg.Params,
		sessions:     cfg.Sessions,
		orchestrator: cfg.Orchestrator,
		networkKeys:  cfg.NetworkKeys,
		hook:         hook,
		logger:       logger,
		Outbound:     make(chan OutboundMessage, 256),
		capabilities: make(map[accessstructure.PID]protocolversion.Version),
	}
}

// SetLastSessionToCompleteInCurrentEpoch clamps the coordinator's view of
// the chain-sourced sequencing boundary to be monotonically
// non-decreasing within an epoch, as the field is defined to be.
func (c *Coordinator) SetLastSessionToCompleteInCurrentEpoch(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.lastSessionToCompleteInCurrentEpoch {
		c.lastSessionToCompleteInCurrentEpoch = v
	}
}

// RecordCapability notes that pid supports up through version. Queried by
// callers deciding whether a version-gated round may be dispatched.
func (c *Coordinator) RecordCapability(pid accessstructure.PID, version protocolversion.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities[pid] = version
}

// Capabilities returns a snapshot of every recorded protocol-version
// capability.
func (c *Coordinator) Capabilities() map[accessstructure.PID]protocolversion.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[accessstructure.PID]protocolversion.Version, len(c.capabilities))
	for pid, v := range c.capabilities {
		out[pid] = v
	}
	return out
}

// HandleSessionFailedWithMalicious applies a locally-observed
// session-failed-with-malicious-parties report: the session is marked
// Failed and the named parties are added to the malicious set immediately,
// without waiting for a round engine Fail result.
func (c *Coordinator) HandleSessionFailedWithMalicious(sid accessstructure.SID, malicious []accessstructure.PID) {
	if st, ok := c.sessions.Get(sid); ok {
		st.Status = session.StatusFailed
	}
	for _, pid := range malicious {
		c.sessions.MarkMalicious(pid)
	}
}

// QueueForCommittee defers fn until the next active committee becomes
// known (ReleaseCommitteeEvents is called).
func (c *Coordinator) QueueForCommittee(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingForCommittee = append(c.pendingForCommittee, fn)
}

// ReleaseCommitteeEvents runs and clears every event queued behind the
// next active committee becoming known.
func (c *Coordinator) ReleaseCommitteeEvents() {
	c.mu.Lock()
	pending := c.pendingForCommittee
	c.pendingForCommittee = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// QueueForNetworkKeys defers fn until a freshly minted network key
// arrives (ReleaseNetworkKeyEvents is called).
func (c *Coordinator) QueueForNetworkKeys(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingForNetworkKeys = append(c.pendingForNetworkKeys, fn)
}

// ReleaseNetworkKeyEvents runs and clears every event queued behind a
// network key becoming available.
func (c *Coordinator) ReleaseNetworkKeyEvents() {
	c.mu.Lock()
	pending := c.pendingForNetworkKeys
	c.pendingForNetworkKeys = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

type candidate struct {
	state *session.State
	plan  session.ReadyPlan
}

// Tick runs one coordinator iteration against the sessions open as of
// consensusRound. It returns the number of computations dispatched and
// the number of completions drained and processed, for caller-side
// metrics.
func (c *Coordinator) Tick(consensusRound uint64) (dispatched int, processed int) {
	candidates := c.readyCandidates(consensusRound)
	sortCandidates(candidates)

	tasks := make([]compute.Task, 0, len(candidates))
	for _, cand := range candidates {
		tasks = append(tasks, c.buildTask(cand))
	}

	spawned, _ := c.orchestrator.Dispatch(tasks)
	dispatched = len(spawned)

	completions := c.orchestrator.ReceiveCompleted()
	for id, comp := range completions {
		c.applyCompletion(id, comp)
		processed++
	}
	return dispatched, processed
}

// readyCandidates implements the tick's first two steps: session
// selection and message-set readiness scanning.
func (c *Coordinator) readyCandidates(consensusRound uint64) []candidate {
	last := c.lastSessionToComplete()

	var out []candidate
	for _, st := range c.sessions.All() {
		if st.Status != session.StatusActive || st.EventData == nil {
			continue
		}
		if st.EventData.Type != session.SessionTypeSystem && st.EventData.SequenceNumber > last {
			continue
		}

		var plan session.ReadyPlan
		var ready bool
		if st.CurrentMPCRound == 1 {
			// MPC round 1 is launched directly from the triggering event;
			// it has no prior round to accumulate inbound messages from.
			plan, ready = session.ReadyPlan{AuthorizedAt: consensusRound}, true
		} else {
			plan, ready = st.ScanReady(c.structure, st.EventData.RequestKind, c.params, consensusRound)
		}

		versionGated := st.CurrentMPCRound == 3 &&
			(st.EventData.RequestKind == protocolconfig.RequestNetworkDKG ||
				st.EventData.RequestKind == protocolconfig.RequestNetworkReconfiguration)
		if ready && versionGated && !c.capabilityQualified() {
			ready = false
		}

		if !ready {
			_ = c.sessions.RecordThresholdNotReached(consensusRound, st.SID)
			continue
		}
		out = append(out, candidate{state: st, plan: plan})
	}
	return out
}

// capabilityQualified reports whether the parties who have announced
// protocol-version support at or above the coordinator's configured
// version form a qualified set. Version-gated rounds (currently
// network-DKG and reconfiguration round 3) are withheld until this
// holds, even after their round-delay has elapsed.
func (c *Coordinator) capabilityQualified() bool {
	c.mu.Lock()
	supporting := set.NewSet[accessstructure.PID](len(c.capabilities))
	for pid, v := range c.capabilities {
		if v >= c.params.Version {
			supporting.Add(pid)
		}
	}
	c.mu.Unlock()
	return c.structure.IsQualified(supporting)
}

func (c *Coordinator) lastSessionToComplete() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSessionToCompleteInCurrentEpoch
}

// sortCandidates applies the tick's priority rule: System before User,
// then ascending sequence number within a class. The orchestrator is
// never asked to reorder after this point.
func sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].state.EventData, candidates[j].state.EventData
		if a.Type != b.Type {
			return a.Type == session.SessionTypeSystem
		}
		return a.SequenceNumber < b.SequenceNumber
	})
}

func (c *Coordinator) buildTask(cand candidate) compute.Task {
	st := cand.state
	ed := st.EventData
	attempt := uint64(st.AttemptCount(st.CurrentMPCRound))

	req := roundengine.Request{
		Kind:            ed.RequestKind,
		SID:             st.SID,
		PID:             c.ownPID,
		AccessStructure: c.structure,
		Attempt:         roundengine.Attempt{SID: st.SID, MPCRound: st.CurrentMPCRound, Number: attempt},
		InboundMessages: cand.plan.Messages,
		PublicInput:     ed.PublicInput,
		PrivateInput:    ed.PrivateInput,
		DecryptionShares: ed.DecryptionShares,
	}

	id := compute.ComputationId{
		SID:            st.SID,
		ConsensusRound: &cand.plan.AuthorizedAt,
		MPCRound:       st.CurrentMPCRound,
		Attempt:        attempt,
	}
	if st.CurrentMPCRound == 1 {
		id.ConsensusRound = nil
	}

	return compute.Task{ID: id, Request: req}
}

// applyCompletion implements the tick's final step: translating one
// roundengine.Result back into session and network-key state.
func (c *Coordinator) applyCompletion(id compute.ComputationId, comp compute.Completion) {
	st, ok := c.sessions.Get(id.SID)
	if !ok {
		return
	}

	if comp.Err != nil {
		c.logger.Warn("round advance failed", zap.String("sid", id.SID.String()), zap.Error(comp.Err))
		return
	}

	for _, pid := range comp.Result.MaliciousParties {
		c.sessions.MarkMalicious(pid)
	}

	switch comp.Result.Outcome {
	case roundengine.OutcomeAdvance:
		st.AdvanceRound()
		c.Outbound <- OutboundMessage{SID: id.SID, MPCRound: id.MPCRound, Bytes: comp.Result.OutboundMessage}

	case roundengine.OutcomeFinalize:
		st.Status = session.StatusFinalized
		update, err := c.hook.OnFinalize(st.EventData.RequestKind, id.SID, comp.Result)
		if err != nil {
			c.logger.Warn("finalize hook failed", zap.String("sid", id.SID.String()), zap.Error(err))
			return
		}
		if update != nil {
			c.applyNetworkKeyUpdate(*update)
		}

	case roundengine.OutcomeFail:
		st.Status = session.StatusFailed
	}
}

func (c *Coordinator) applyNetworkKeyUpdate(update NetworkKeyUpdate) {
	if update.IsReconfiguration {
		if err := c.networkKeys.ApplyReconfiguration(update.KeyID, update.Shares, update.PublicParameters); err != nil {
			c.logger.Warn("network key reconfiguration failed", zap.Binary("kid", update.KeyID[:]), zap.Error(err))
		}
		return
	}
	c.networkKeys.InstallFromDKG(update.KeyID, update.Shares, update.PublicParameters)
}

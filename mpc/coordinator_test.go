package mpc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/compute"
	"github.com/dwallet-labs/ika/mpc"
	"github.com/dwallet-labs/ika/networkkey"
	"github.com/dwallet-labs/ika/protocolconfig"
	"github.com/dwallet-labs/ika/roundengine"
	"github.com/dwallet-labs/ika/roundengine/fakeengine"
	"github.com/dwallet-labs/ika/session"
)

func newStructure(t *testing.T) *accessstructure.Structure {
	t.Helper()
	weights := map[accessstructure.PID]uint64{1: 1, 2: 1, 3: 1, 4: 1, 5: 1}
	s, err := accessstructure.New(weights, nil, 3)
	require.NoError(t, err)
	return s
}

func newAdapter() *roundengine.Adapter {
	reg := roundengine.NewRegistry()
	for kind := range fakeengine.Rounds {
		reg.Register(kind, fakeengine.New(kind))
	}
	return roundengine.NewAdapter(reg, []byte("seed"), 1)
}

func newCoordinator(t *testing.T) (*mpc.Coordinator, *session.Registry) {
	t.Helper()
	sessions := session.NewRegistry()
	orchestrator := compute.New(newAdapter(), 4, 16)
	c := mpc.New(mpc.Config{
		OwnPID:       7,
		Structure:    newStructure(t),
		Params:       protocolconfig.Default(),
		Sessions:     sessions,
		Orchestrator: orchestrator,
		NetworkKeys:  networkkey.New(),
	})
	return c, sessions
}

func sid(b byte) accessstructure.SID {
	var s accessstructure.SID
	s[0] = b
	return s
}

func TestTickDispatchesQualifiedSessionAndEmitsAdvance(t *testing.T) {
	c, sessions := newCoordinator(t)

	sessions.NewMPCSession(sid(1), &session.EventData{
		RequestKind: protocolconfig.RequestDKG,
		Type:        session.SessionTypeSystem,
	})
	sessions.HandleConsensusRoundMessages(1, []session.Message{
		{SID: sid(1), PID: 1, Bytes: []byte("a")},
		{SID: sid(1), PID: 2, Bytes: []byte("b")},
		{SID: sid(1), PID: 3, Bytes: []byte("c")},
	})

	dispatched, _ := c.Tick(1)
	require.Equal(t, 1, dispatched)

	require.Eventually(t, func() bool {
		_, processed := c.Tick(1)
		return processed == 1
	}, time.Second, time.Millisecond)

	select {
	case msg := <-c.Outbound:
		require.Equal(t, sid(1), msg.SID)
	default:
		t.Fatal("expected an outbound advance message")
	}

	st, ok := sessions.Get(sid(1))
	require.True(t, ok)
	require.EqualValues(t, 2, st.CurrentMPCRound)
}

func TestTickSkipsUserSessionAboveSequencingBoundary(t *testing.T) {
	c, sessions := newCoordinator(t)

	sessions.NewMPCSession(sid(1), &session.EventData{
		RequestKind:    protocolconfig.RequestDKG,
		Type:           session.SessionTypeUser,
		SequenceNumber: 10,
	})
	sessions.HandleConsensusRoundMessages(1, []session.Message{
		{SID: sid(1), PID: 1, Bytes: []byte("a")},
		{SID: sid(1), PID: 2, Bytes: []byte("b")},
		{SID: sid(1), PID: 3, Bytes: []byte("c")},
	})

	c.SetLastSessionToCompleteInCurrentEpoch(5)
	dispatched, _ := c.Tick(1)
	require.Zero(t, dispatched, "user session with seq 10 must wait behind the sequencing boundary of 5")

	c.SetLastSessionToCompleteInCurrentEpoch(10)
	dispatched, _ = c.Tick(1)
	require.Equal(t, 1, dispatched)
}

func TestSetLastSessionToCompleteIsMonotonic(t *testing.T) {
	c, sessions := newCoordinator(t)

	sessions.NewMPCSession(sid(1), &session.EventData{
		RequestKind:    protocolconfig.RequestDKG,
		Type:           session.SessionTypeUser,
		SequenceNumber: 8,
	})
	sessions.HandleConsensusRoundMessages(1, []session.Message{
		{SID: sid(1), PID: 1, Bytes: []byte("a")},
		{SID: sid(1), PID: 2, Bytes: []byte("b")},
		{SID: sid(1), PID: 3, Bytes: []byte("c")},
	})

	c.SetLastSessionToCompleteInCurrentEpoch(10)
	c.SetLastSessionToCompleteInCurrentEpoch(3) // must not lower the boundary

	dispatched, _ := c.Tick(1)
	require.Equal(t, 1, dispatched, "boundary should still be 10, not the later lower value of 3")
}

func TestHandleSessionFailedWithMaliciousMarksFailedAndMalicious(t *testing.T) {
	c, sessions := newCoordinator(t)
	sessions.NewMPCSession(sid(1), &session.EventData{RequestKind: protocolconfig.RequestDKG})

	c.HandleSessionFailedWithMalicious(sid(1), []accessstructure.PID{2, 3})

	st, _ := sessions.Get(sid(1))
	require.Equal(t, session.StatusFailed, st.Status)
	require.True(t, sessions.IsMalicious(2))
	require.True(t, sessions.IsMalicious(3))
}

func TestTickLaunchesRoundOneFromTriggeringEventWithoutMessages(t *testing.T) {
	c, sessions := newCoordinator(t)

	sessions.NewMPCSession(sid(1), &session.EventData{
		RequestKind: protocolconfig.RequestDKG,
		Type:        session.SessionTypeSystem,
	})

	dispatched, _ := c.Tick(1)
	require.Equal(t, 1, dispatched, "round 1 must launch off the triggering event alone, with no inbound messages")
}

func TestCapabilityGateWithholdsVersionGatedRoundUntilQualified(t *testing.T) {
	sessions := session.NewRegistry()
	orchestrator := compute.New(newAdapter(), 4, 16)
	params := protocolconfig.Default()
	params.NetworkDKGThirdRoundDelay = 0
	c := mpc.New(mpc.Config{
		OwnPID:       7,
		Structure:    newStructure(t),
		Params:       params,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		NetworkKeys:  networkkey.New(),
	})

	sessions.NewMPCSession(sid(1), &session.EventData{
		RequestKind: protocolconfig.RequestNetworkDKG,
		Type:        session.SessionTypeSystem,
	})
	st, ok := sessions.Get(sid(1))
	require.True(t, ok)
	st.CurrentMPCRound = 3

	sessions.HandleConsensusRoundMessages(1, []session.Message{
		{SID: sid(1), PID: 1, Bytes: []byte("a")},
		{SID: sid(1), PID: 2, Bytes: []byte("b")},
		{SID: sid(1), PID: 3, Bytes: []byte("c")},
	})

	dispatched, _ := c.Tick(1)
	require.Zero(t, dispatched, "network-DKG round 3 must be withheld until a qualified set announces capability")

	c.RecordCapability(1, 1)
	c.RecordCapability(2, 1)
	c.RecordCapability(3, 1)

	dispatched, _ = c.Tick(1)
	require.Equal(t, 1, dispatched, "round should dispatch once a qualified set has announced capability")
}

func TestCapabilitiesRoundTrip(t *testing.T) {
	c, _ := newCoordinator(t)
	c.RecordCapability(1, 1)
	c.RecordCapability(2, 1)

	caps := c.Capabilities()
	require.Len(t, caps, 2)
	require.EqualValues(t, 1, caps[1])
}

func TestQueueForCommitteeReleasesInOrder(t *testing.T) {
	c, _ := newCoordinator(t)
	var order []int
	c.QueueForCommittee(func() { order = append(order, 1) })
	c.QueueForCommittee(func() { order = append(order, 2) })

	require.Empty(t, order)
	c.ReleaseCommitteeEvents()
	require.Equal(t, []int{1, 2}, order)

	c.ReleaseCommitteeEvents()
	require.Equal(t, []int{1, 2}, order, "a second release with nothing queued is a no-op")
}

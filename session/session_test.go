package session_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/protocolconfig"
	"github.com/dwallet-labs/ika/session"
)

func sid(b byte) accessstructure.SID {
	var s accessstructure.SID
	s[0] = b
	return s
}

func mustStructure(t *testing.T) *accessstructure.Structure {
	t.Helper()
	weights := map[accessstructure.PID]uint64{1: 1, 2: 1, 3: 1, 4: 1, 5: 1}
	s, err := accessstructure.New(weights, nil, 3)
	require.NoError(t, err)
	return s
}

func TestHandleConsensusRoundMessagesBuffersUnknownSession(t *testing.T) {
	r := session.NewRegistry()

	r.HandleConsensusRoundMessages(1, []session.Message{
		{SID: sid(1), PID: 2, Bytes: []byte("m")},
	})

	st, ok := r.Get(sid(1))
	require.True(t, ok)
	require.Nil(t, st.EventData)

	bucket, ok := st.MessagesByConsensusRound.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("m"), bucket[accessstructure.PID(2)])
}

func TestNewMPCSessionIsIdempotent(t *testing.T) {
	r := session.NewRegistry()
	r.HandleConsensusRoundMessages(1, []session.Message{{SID: sid(1), PID: 2, Bytes: []byte("m")}})

	ed := &session.EventData{RequestKind: protocolconfig.RequestDKG, SequenceNumber: 5}
	st := r.NewMPCSession(sid(1), ed)
	require.Same(t, ed, st.EventData)

	// Installing a second event_data on an existing record is a no-op.
	st2 := r.NewMPCSession(sid(1), &session.EventData{SequenceNumber: 99})
	require.Same(t, ed, st2.EventData)
}

func TestMaliciousMessagesDroppedAtEdge(t *testing.T) {
	r := session.NewRegistry()
	r.MarkMalicious(2)

	r.HandleConsensusRoundMessages(1, []session.Message{{SID: sid(1), PID: 2, Bytes: []byte("m")}})

	_, ok := r.Get(sid(1))
	require.False(t, ok, "session should not be created from a malicious party's only message")
}

func TestScanReadyRequiresQualifiedSetAndDelay(t *testing.T) {
	structure := mustStructure(t)
	r := session.NewRegistry()
	params := protocolconfig.Default()
	params.NetworkDKGThirdRoundDelay = 2

	r.NewMPCSession(sid(1), &session.EventData{RequestKind: protocolconfig.RequestNetworkDKG})
	st, _ := r.Get(sid(1))
	st.CurrentMPCRound = 3

	r.HandleConsensusRoundMessages(10, []session.Message{
		{SID: sid(1), PID: 1, Bytes: []byte("a")},
		{SID: sid(1), PID: 2, Bytes: []byte("b")},
		{SID: sid(1), PID: 3, Bytes: []byte("c")},
	})

	_, ready := st.ScanReady(structure, protocolconfig.RequestNetworkDKG, params, 10)
	require.False(t, ready, "must wait for the round delay")

	_, ready = st.ScanReady(structure, protocolconfig.RequestNetworkDKG, params, 11)
	require.False(t, ready)

	plan, ready := st.ScanReady(structure, protocolconfig.RequestNetworkDKG, params, 12)
	require.True(t, ready)
	require.Len(t, plan.Messages, 3)
	require.EqualValues(t, 10, plan.AuthorizedAt)
}

func TestScanReadyZeroDelayForOrdinaryRounds(t *testing.T) {
	structure := mustStructure(t)
	r := session.NewRegistry()
	params := protocolconfig.Default()

	r.NewMPCSession(sid(1), &session.EventData{RequestKind: protocolconfig.RequestSign})
	st, _ := r.Get(sid(1))
	st.CurrentMPCRound = 2

	r.HandleConsensusRoundMessages(5, []session.Message{
		{SID: sid(1), PID: 1, Bytes: []byte("a")},
		{SID: sid(1), PID: 2, Bytes: []byte("b")},
		{SID: sid(1), PID: 3, Bytes: []byte("c")},
	})

	plan, ready := st.ScanReady(structure, protocolconfig.RequestSign, params, 5)
	require.True(t, ready)
	require.EqualValues(t, 5, plan.AuthorizedAt)
}

func TestRecordThresholdNotReached(t *testing.T) {
	r := session.NewRegistry()
	r.NewMPCSession(sid(1), &session.EventData{})

	require.NoError(t, r.RecordThresholdNotReached(3, sid(1)))
	require.NoError(t, r.RecordThresholdNotReached(4, sid(1)))

	st, _ := r.Get(sid(1))
	require.Equal(t, 2, st.AttemptCount(1))
}

func TestRecordThresholdNotReachedUnknownSession(t *testing.T) {
	r := session.NewRegistry()
	err := r.RecordThresholdNotReached(3, sid(99))
	require.Error(t, err)
}

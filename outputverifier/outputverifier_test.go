package outputverifier_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/outputverifier"
)

func newStructure(t *testing.T) *accessstructure.Structure {
	t.Helper()
	weights := map[accessstructure.PID]uint64{1: 1, 2: 1, 3: 1, 4: 1, 5: 1}
	s, err := accessstructure.New(weights, nil, 3)
	require.NoError(t, err)
	return s
}

func TestSubmitReachesQuorumAndFlagsDivergence(t *testing.T) {
	v := outputverifier.New(newStructure(t), nil)
	sid := accessstructure.SID{1}
	req := []byte("session-request")

	r := v.Submit(sid, req, 1, []byte("output-A"))
	require.Equal(t, outputverifier.StatusNotEnoughVotes, r.Status)

	r = v.Submit(sid, req, 2, []byte("output-B"))
	require.Equal(t, outputverifier.StatusNotEnoughVotes, r.Status)

	r = v.Submit(sid, req, 3, []byte("output-A"))
	require.Equal(t, outputverifier.StatusNotEnoughVotes, r.Status)

	r = v.Submit(sid, req, 4, []byte("output-A"))
	require.Equal(t, outputverifier.StatusQuorum, r.Status)
	require.Equal(t, []byte("output-A"), r.Output)
	require.ElementsMatch(t, []accessstructure.PID{2}, r.NewlyDivergent)

	status, out := v.StatusOf(sid, req)
	require.Equal(t, outputverifier.StatusQuorum, status)
	require.Equal(t, []byte("output-A"), out)
}

func TestSubmitDetectsSelfDivergenceAsMalicious(t *testing.T) {
	v := outputverifier.New(newStructure(t), nil)
	sid := accessstructure.SID{1}
	req := []byte("session-request")

	r := v.Submit(sid, req, 1, []byte("output-A"))
	require.False(t, r.SubmitterMalicious)

	r = v.Submit(sid, req, 1, []byte("output-B"))
	require.True(t, r.SubmitterMalicious)
}

func TestSubmitRejectsMalformedOutput(t *testing.T) {
	alwaysFails := func(output []byte) error { return errTest }
	v := outputverifier.New(newStructure(t), alwaysFails)

	r := v.Submit(accessstructure.SID{1}, []byte("req"), 1, []byte("x"))
	require.True(t, r.SubmitterMalicious)
	require.Equal(t, outputverifier.StatusNotEnoughVotes, r.Status)
}

func TestRepeatedIdenticalVoteDoesNotDoubleCount(t *testing.T) {
	v := outputverifier.New(newStructure(t), nil)
	sid := accessstructure.SID{1}
	req := []byte("req")

	v.Submit(sid, req, 1, []byte("A"))
	v.Submit(sid, req, 1, []byte("A"))
	r := v.Submit(sid, req, 2, []byte("A"))

	require.Equal(t, outputverifier.StatusNotEnoughVotes, r.Status, "pid 1's repeat vote must not count twice toward weight 3")
}

type testErr struct{}

func (testErr) Error() string { return "malformed output" }

var errTest = testErr{}

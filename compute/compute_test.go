package compute_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/compute"
	"github.com/dwallet-labs/ika/roundengine"
)

// blockingAdvancer lets tests control exactly when each Advance call
// returns, to exercise saturation and shutdown deterministically.
type blockingAdvancer struct {
	mu      sync.Mutex
	release map[string]chan struct{}
	started chan string
}

func newBlockingAdvancer() *blockingAdvancer {
	return &blockingAdvancer{
		release: make(map[string]chan struct{}),
		started: make(chan string, 64),
	}
}

func (b *blockingAdvancer) gate(key string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.release[key]
	if !ok {
		ch = make(chan struct{})
		b.release[key] = ch
	}
	return ch
}

func (b *blockingAdvancer) Advance(req roundengine.Request) (roundengine.Result, error) {
	key := string(req.PublicInput)
	b.started <- key
	<-b.gate(key)
	return roundengine.Result{Outcome: roundengine.OutcomeAdvance, OutboundMessage: []byte(key)}, nil
}

func (b *blockingAdvancer) open(key string) {
	close(b.gate(key))
}

func task(key string) compute.Task {
	return compute.Task{
		ID:      compute.ComputationId{SID: accessstructure.SID{1}, MPCRound: 1},
		Request: roundengine.Request{PublicInput: []byte(key)},
	}
}

func TestTrySpawnRespectsParallelismCeiling(t *testing.T) {
	adv := newBlockingAdvancer()
	o := compute.New(adv, 2, 8)

	require.True(t, o.TrySpawn(task("a")))
	require.True(t, o.TrySpawn(task("b")))
	require.False(t, o.TrySpawn(task("c")), "pool saturated at parallelism 2")

	adv.open("a")
	adv.open("b")
	require.NoError(t, o.Shutdown(context.Background()))
}

func TestDispatchStopsAtFirstSaturationAndDefersRemainder(t *testing.T) {
	adv := newBlockingAdvancer()
	o := compute.New(adv, 1, 8)

	tasks := []compute.Task{task("a"), task("b"), task("c")}
	spawned, deferred := o.Dispatch(tasks)

	require.Len(t, spawned, 1)
	require.Len(t, deferred, 2)
	require.Equal(t, tasks[1].Request.PublicInput, deferred[0].Request.PublicInput)

	adv.open("a")
	require.NoError(t, o.Shutdown(context.Background()))
}

func TestReceiveCompletedDrainsWithoutBlocking(t *testing.T) {
	adv := newBlockingAdvancer()
	o := compute.New(adv, 4, 8)

	require.Empty(t, o.ReceiveCompleted())

	id := task("x").ID
	o.TrySpawn(compute.Task{ID: id, Request: roundengine.Request{PublicInput: []byte("x")}})
	adv.open("x")

	var got map[compute.ComputationId]compute.Completion
	require.Eventually(t, func() bool {
		got = o.ReceiveCompleted()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, []byte("x"), got[id].Result.OutboundMessage)
	require.NoError(t, o.Shutdown(context.Background()))
}

func TestShutdownDiscardsInFlightResultsAndRejectsNewSpawns(t *testing.T) {
	adv := newBlockingAdvancer()
	o := compute.New(adv, 2, 8)

	o.TrySpawn(task("a"))

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- o.Shutdown(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	require.False(t, o.TrySpawn(task("b")), "no new computations once shutdown has begun")

	adv.open("a")
	require.NoError(t, <-shutdownDone)

	require.Empty(t, o.ReceiveCompleted(), "in-flight result is discarded across shutdown")
}

// Package compute is the bounded-parallel CPU pool that runs round-engine
// advance calls off the coordinator's critical path. It enforces a fixed
// concurrency ceiling, preserves caller-supplied dispatch order within a
// priority class, and hands completed results back through a drained
// channel rather than a blocking call.
package compute

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/roundengine"
	"github.com/dwallet-labs/ika/utils"
)

// ComputationId identifies one advance attempt uniquely across the
// lifetime of an epoch. ConsensusRound is nil only for MPC round 1, which
// is launched directly from the triggering event rather than from a
// message-qualification scan.
type ComputationId struct {
	SID            accessstructure.SID
	ConsensusRound *uint64
	MPCRound       uint64
	Attempt        uint64
}

// Task is one unit of work the orchestrator runs on a worker goroutine. It
// wraps a fully-built roundengine.Request so the orchestrator itself never
// has to know about adapters or engines.
type Task struct {
	ID      ComputationId
	Request roundengine.Request
}

// Completion is one finished computation, placed on the result channel.
type Completion struct {
	ID     ComputationId
	Result roundengine.Result
	Err    error
}

// Advancer runs one roundengine.Request to completion. *roundengine.Adapter
// satisfies this.
type Advancer interface {
	Advance(req roundengine.Request) (roundengine.Result, error)
}

// Orchestrator is the bounded-parallel worker pool. The zero value is not
// usable; construct with New.
type Orchestrator struct {
	adapter      Advancer
	sem          *semaphore.Weighted
	results      chan Completion
	wg           sync.WaitGroup
	shuttingDown utils.AtomicBool
}

// New returns an Orchestrator that runs at most parallelism concurrent
// computations through adapter. resultBuffer bounds how many completed
// results may queue before ReceiveCompleted is called; callers should
// drain at least once per coordinator tick.
func New(adapter Advancer, parallelism int, resultBuffer int) *Orchestrator {
	return &Orchestrator{
		adapter: adapter,
		sem:     semaphore.NewWeighted(int64(parallelism)),
		results: make(chan Completion, resultBuffer),
	}
}

// TrySpawn attempts to start task immediately. It returns false without
// blocking when the pool is saturated or shutting down; the caller is
// expected to retry on its next tick rather than queue the task itself,
// matching the "not executing" contract callers rely on for priority
// ordering across ticks.
func (o *Orchestrator) TrySpawn(task Task) bool {
	if o.shuttingDown.Get() {
		return false
	}
	if !o.sem.TryAcquire(1) {
		return false
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.sem.Release(1)

		result, err := o.adapter.Advance(task.Request)

		if o.shuttingDown.Get() {
			return
		}
		o.results <- Completion{ID: task.ID, Result: result, Err: err}
	}()
	return true
}

// Dispatch runs TrySpawn over tasks in the order given, stopping at the
// first saturation but continuing to account for every task so the
// remainder is reported back verbatim. The orchestrator never reorders
// tasks within a single Dispatch call; priority ordering is entirely the
// caller's responsibility before this is invoked.
func (o *Orchestrator) Dispatch(tasks []Task) (spawned []ComputationId, deferred []Task) {
	spawned = make([]ComputationId, 0, len(tasks))
	for i, task := range tasks {
		if o.TrySpawn(task) {
			spawned = append(spawned, task.ID)
			continue
		}
		deferred = append(deferred, tasks[i:]...)
		break
	}
	return spawned, deferred
}

// ReceiveCompleted drains every result currently queued, without blocking.
// It is the coordinator's tick-loop counterpart to Dispatch.
func (o *Orchestrator) ReceiveCompleted() map[ComputationId]Completion {
	out := make(map[ComputationId]Completion)
	for {
		select {
		case c := <-o.results:
			out[c.ID] = c
		default:
			return out
		}
	}
}

// Shutdown stops accepting new computations and waits for in-flight ones
// to finish; their results are discarded rather than queued, since the
// registries they would update no longer exist past epoch end. Shutdown
// blocks until every in-flight goroutine has returned or ctx is done; in
// the latter case it returns ctx.Err() while the remaining goroutines
// finish on their own.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shuttingDown.Set(true)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

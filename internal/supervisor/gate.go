package supervisor

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// errGateFull is returned when both the slots and the backlog are taken.
var errGateFull = errors.New("exchange gate full")

// gate bounds the number of exchanges in flight. Callers beyond the ceiling
// queue in arrival order up to backlog; anyone past that is turned away.
type gate struct {
	sem     *semaphore.Weighted
	backlog int64
	waiting atomic.Int64
}

func newGate(slots, backlog int) *gate {
	return &gate{
		sem:     semaphore.NewWeighted(int64(slots)),
		backlog: int64(backlog),
	}
}

// acquire takes a slot, waiting in the backlog if needed. It fails with
// errGateFull when the backlog is full, or with ctx's error when ctx ends
// first.
func (g *gate) acquire(ctx context.Context) error {
	if g.sem.TryAcquire(1) {
		return nil
	}
	if g.waiting.Add(1) > g.backlog {
		g.waiting.Add(-1)
		return errGateFull
	}
	defer g.waiting.Add(-1)
	return g.sem.Acquire(ctx, 1)
}

func (g *gate) release() {
	g.sem.Release(1)
}

// queued returns how many callers wait for a slot.
func (g *gate) queued() int64 {
	return g.waiting.Load()
}

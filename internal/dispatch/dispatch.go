// Package dispatch is the Event Dispatcher: listener
// callbacks are delivered through a per-listener sequenced executor
// (ordered and never concurrent with itself) backed by a shared,
// capacity-bounded worker pool, rather than one goroutine per listener.
package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
)

// Dispatcher runs submitted tasks on a shared, bounded pool while
// guaranteeing that tasks submitted through the same Sequencer never run
// concurrently with each other and always run in submission order.
// Every Sequencer's drain loop runs as one goroutine in a shared
// dgroup.Group.
type Dispatcher struct {
	grp *dgroup.Group
	sem *semaphore.Weighted
}

// New constructs a Dispatcher with workers concurrent slots. All
// Sequencer goroutines it spawns are children of ctx and of the returned
// group; call Wait to block until every one of them has exited.
func New(ctx context.Context, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	return &Dispatcher{grp: grp, sem: semaphore.NewWeighted(int64(workers))}
}

// Wait blocks until every Sequencer's drain loop has exited (its context
// was cancelled) and returns the first error, if any, reported by one of
// them.
func (d *Dispatcher) Wait() error {
	return d.grp.Wait()
}

// Go runs fn as a named member of the same goroutine group backing every
// Sequencer, so callers that start their own long-lived background loops
// (the idle trunk reaper, say) have their lifetime folded into Wait like
// everything else the Dispatcher owns, rather than leaking an untracked
// goroutine.
func (d *Dispatcher) Go(label string, fn func(context.Context) error) {
	d.grp.Go(label, fn)
}

// Sequencer is a single producer's FIFO queue of tasks onto the shared
// pool: tasks queued here run one at a time, in the order queued, even
// though they compete for worker slots with every other Sequencer.
type Sequencer struct {
	d         *Dispatcher
	queue     chan func(context.Context)
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

// NewSequencer starts label's drain loop as a goroutine in the
// Dispatcher's group. The drain loop exits when the Dispatcher's parent
// context is cancelled, dropping any tasks still queued, or after Close,
// once it has run the tasks already queued. Every task the drain loop
// runs is logged against a fresh "trace_id" correlation id that
// identifies this particular in-memory Sequencer instance, distinct
// from the persisted entity id its tasks log alongside it, so log lines
// from before and after a recovery are never mistaken for the same run.
func (d *Dispatcher) NewSequencer(label string) *Sequencer {
	s := &Sequencer{
		d:       d,
		queue:   make(chan func(context.Context), 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	traceID := uuid.NewString()
	run := func(ctx context.Context, task func(context.Context)) bool {
		if err := s.d.sem.Acquire(ctx, 1); err != nil {
			return false
		}
		defer s.d.sem.Release(1)
		task(ctx)
		return true
	}
	d.grp.Go(label, func(ctx context.Context) error {
		ctx = dlog.WithField(ctx, "trace_id", traceID)
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.closing:
				// Drain what's already queued, then exit.
				for {
					select {
					case task := <-s.queue:
						if !run(ctx, task) {
							return nil
						}
					default:
						return nil
					}
				}
			case task := <-s.queue:
				if !run(ctx, task) {
					return nil
				}
			}
		}
	})
	return s
}

// Submit enqueues task for delivery. It never blocks the caller on the
// task actually running, only on the (bounded) queue accepting it, so a
// slow listener cannot stall the producer's own critical section. Tasks
// submitted after Close (or after the drain loop has exited) are dropped.
func (s *Sequencer) Submit(ctx context.Context, task func(context.Context)) {
	select {
	case <-s.closing:
		dlog.Errorf(ctx, "dispatch: sequencer closed, dropping task")
	case <-s.done:
		dlog.Errorf(ctx, "dispatch: sequencer stopped, dropping task")
	case s.queue <- task:
	}
}

// Close stops accepting new tasks. Already-queued tasks still drain unless
// the Dispatcher's context is also cancelled. Safe to call more than once,
// and safe against concurrent Submit calls.
func (s *Sequencer) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

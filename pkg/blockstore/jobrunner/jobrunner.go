// Package jobrunner provides the parallel work-unit abstraction
// FSBlockStore consults when it must rebuild its content index by
// scanning the chunks directory. It is grounded on the teacher's
// channel/WaitGroup worker-pool shape (pkg/payload/transfer), reimplemented
// over golang.org/x/sync/errgroup since "reserve N, run, wait for all,
// first error wins" is exactly errgroup's contract.
package jobrunner

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tvandijck/longtail/pkg/blockstore"
)

// Job is one unit of work submitted to a Group.
type Job func(ctx context.Context) error

// Group is a reserved batch of jobs awaiting dispatch.
type Group struct {
	eg  *errgroup.Group
	ctx context.Context
}

// Runner implements the BlockStore JobRunner capability with a bounded
// concurrency cap.
type Runner struct {
	parallelism int
}

// NewRunner returns a Runner that runs up to parallelism jobs concurrently
// within any one Group. A parallelism of 0 means unbounded.
func NewRunner(parallelism int) *Runner {
	return &Runner{parallelism: parallelism}
}

// ReserveJobs reserves capacity for n jobs against ctx, returning a Group
// ready to accept them via CreateJobs.
func (r *Runner) ReserveJobs(ctx context.Context, n int) *Group {
	eg, egCtx := errgroup.WithContext(ctx)
	if r.parallelism > 0 {
		eg.SetLimit(r.parallelism)
	}
	return &Group{eg: eg, ctx: egCtx}
}

// CreateJobs enqueues fns for execution within g. Jobs begin running
// immediately (bounded by the runner's parallelism); there is no separate
// dispatch phase, so ReadyJobs is a no-op kept only to satisfy callers
// that expect the reserve/create/ready/wait shape.
func (g *Group) CreateJobs(fns []Job) {
	for _, fn := range fns {
		fn := fn
		g.eg.Go(func() error {
			return fn(g.ctx)
		})
	}
}

// ReadyJobs exists to satisfy the reserve/create/ready/wait contract; this
// implementation has no distinct dispatch step, so it is a no-op.
func (g *Group) ReadyJobs() {}

// WaitForAllJobs blocks until every job in g has completed, returning the
// first error encountered (if any), or a Cancelled error if cancel fires
// first.
func (g *Group) WaitForAllJobs(cancel blockstore.CancelToken) error {
	done := make(chan error, 1)
	go func() { done <- g.eg.Wait() }()

	if cancel == nil {
		return <-done
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if cancel.IsCancelled() {
				return blockstore.New("WaitForAllJobs", blockstore.Cancelled, nil)
			}
		}
	}
}

// Package errgroup provides an errgroup-shaped API whose functions run one
// at a time, in the order they were passed to Go, on a serial queue.
// The first error cancels the group's context; functions still waiting for
// their turn are then skipped.
package errgroup

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/NetPo4ki/go-serial/serial"
)

// Group is a sequential counterpart of golang.org/x/sync/errgroup.Group.
type Group struct {
	q      *serial.Queue[func() error, struct{}]
	eg     errgroup.Group
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// WithContext creates a Group bound to ctx. The returned context is canceled
// when a function passed to Go returns a non-nil error or when Wait returns.
// opts configure the underlying queue.
func WithContext(ctx context.Context, opts ...serial.Option) (*Group, context.Context) {
	ctx, cancel := context.WithCancelCause(ctx)
	g := &Group{ctx: ctx, cancel: cancel}
	g.q = serial.New(func(_ context.Context, f func() error) (struct{}, error) {
		err := f()
		if err != nil {
			// Cancel before the queue advances so the next function is skipped.
			g.cancel(err)
		}
		return struct{}{}, err
	}, opts...)
	return g, ctx
}

// Go queues f behind every function passed to Go before it.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	fut := g.q.Call(g.ctx, f)
	g.eg.Go(func() error {
		_, err := fut.Wait()
		if err != nil {
			g.cancel(err)
		}
		return err
	})
}

// Wait blocks until every queued function has run or been skipped and
// returns the error that canceled the group, if any.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	if err != nil {
		if cause := context.Cause(g.ctx); cause != nil {
			err = cause
		}
	}
	g.cancel(err)
	return err
}

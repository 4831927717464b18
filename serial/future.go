package serial

import "context"

// Future is the pending result of a single call.
type Future[R any] struct {
	done chan struct{}
	val  R
	err  error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

func failedFuture[R any](err error) *Future[R] {
	f := newFuture[R]()
	var zero R
	f.resolve(zero, err)
	return f
}

// resolve must be called exactly once.
func (f *Future[R]) resolve(val R, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Done returns a channel closed once the call has settled.
func (f *Future[R]) Done() <-chan struct{} { return f.done }

// Wait blocks until the call settles and returns its result.
func (f *Future[R]) Wait() (R, error) {
	<-f.done
	return f.val, f.err
}

// Await is like Wait but gives up when ctx is done. Giving up does not
// cancel the call.
func (f *Future[R]) Await(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

package serial

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned for calls rejected by the queue's Limiter.
	ErrQueueFull = errors.New("serial: queue full")
	// ErrClosed is returned for calls submitted after Close.
	ErrClosed = errors.New("serial: queue closed")
)

// Func is the operation a Queue serializes. Operations with several inputs
// take them as a struct.
type Func[A, R any] func(ctx context.Context, arg A) (R, error)

// Sync adapts a synchronous, infallible function to a Func.
func Sync[A, R any](fn func(A) R) Func[A, R] {
	return func(_ context.Context, arg A) (R, error) { return fn(arg), nil }
}

// SyncErr adapts a synchronous function returning an error to a Func.
func SyncErr[A, R any](fn func(A) (R, error)) Func[A, R] {
	return func(_ context.Context, arg A) (R, error) { return fn(arg) }
}

// Queue runs calls to its operation one at a time in submission order.
// It is safe for concurrent use.
type Queue[A, R any] struct {
	fn   Func[A, R]
	opts Options
	obs  Observer
	lim  Limiter

	mu      sync.Mutex
	tail    chan struct{} // closed once every call submitted so far has settled
	seq     uint64
	pending int
	closed  bool
}

func New[A, R any](fn Func[A, R], optFns ...Option) *Queue[A, R] {
	if fn == nil {
		panic("serial: nil Func")
	}
	q := &Queue[A, R]{fn: fn, opts: defaultOptions()}
	for _, opt := range optFns {
		opt(&q.opts)
	}
	q.obs = q.opts.Observer
	q.lim = q.opts.Limiter
	q.tail = make(chan struct{})
	close(q.tail)
	return q
}

// Wrap returns fn wrapped in a fresh Queue, in the shape of fn itself.
func Wrap[A, R any](fn Func[A, R], optFns ...Option) func(ctx context.Context, arg A) *Future[R] {
	return New(fn, optFns...).Call
}

// Call submits arg and returns without waiting. The returned Future settles
// with the operation's result once every earlier call has settled.
//
// If ctx is done before the call's turn comes, the operation is not invoked
// and the Future settles with ctx.Err(). A running call is never
// interrupted by the queue; the operation receives ctx and may observe it.
func (q *Queue[A, R]) Call(ctx context.Context, arg A) *Future[R] {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return q.reject(ctx, ErrClosed)
	}
	if q.lim != nil && !q.lim.TryAcquire() {
		q.mu.Unlock()
		return q.reject(ctx, ErrQueueFull)
	}
	q.seq++
	call := CallInfo{Queue: q.opts.Name, Seq: q.seq}
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.pending++
	pending := q.pending
	q.mu.Unlock()

	if q.obs != nil {
		q.obs.CallQueued(ctx, call, pending)
	}
	f := newFuture[R]()
	go q.run(ctx, call, arg, f, prev, done, time.Now())
	return f
}

func (q *Queue[A, R]) reject(ctx context.Context, reason error) *Future[R] {
	if q.obs != nil {
		q.obs.CallRejected(ctx, CallInfo{Queue: q.opts.Name}, reason)
	}
	return failedFuture[R](reason)
}

func (q *Queue[A, R]) run(ctx context.Context, call CallInfo, arg A, f *Future[R], prev <-chan struct{}, done chan struct{}, queuedAt time.Time) {
	defer q.settle(done)

	select {
	case <-prev:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		if q.obs != nil {
			q.obs.CallSkipped(ctx, call, err)
		}
		var zero R
		f.resolve(zero, err)
		// The slot is released only after its predecessor, so later calls
		// still never overlap an earlier one.
		<-prev
		return
	}

	var start time.Time
	if q.obs != nil {
		start = time.Now()
		q.obs.CallStarted(ctx, call, start.Sub(queuedAt))
	}

	// Observers hear about a call before its Future settles, so a caller
	// returning from Wait sees every hook for that call completed.
	val, perr, err := q.invoke(ctx, arg)
	if perr != nil {
		var zero R
		if q.opts.PanicAsError {
			if q.obs != nil {
				q.obs.CallFinished(ctx, call, time.Since(start), perr, true)
			}
			f.resolve(zero, perr)
			return
		}
		if q.obs != nil {
			q.obs.CallFinished(ctx, call, time.Since(start), nil, true)
		}
		f.resolve(zero, perr)
		panic(perr.Value)
	}

	if q.obs != nil {
		q.obs.CallFinished(ctx, call, time.Since(start), err, false)
	}
	f.resolve(val, err)
}

func (q *Queue[A, R]) invoke(ctx context.Context, arg A) (val R, perr *PanicError, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr = newPanicError(r)
		}
	}()
	val, err = q.fn(ctx, arg)
	return val, nil, err
}

func (q *Queue[A, R]) settle(done chan struct{}) {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
	if q.lim != nil {
		q.lim.Release()
	}
	close(done)
}

// Pending reports how many calls still hold a place in the queue. A call
// skipped on cancellation keeps its place until its predecessor settles.
func (q *Queue[A, R]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Drain waits until every call submitted before Drain has settled.
// A nil ctx waits without a deadline.
func (q *Queue[A, R]) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	tail := q.tail
	q.mu.Unlock()
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close makes later calls fail with ErrClosed and drains the calls already
// submitted. It may be called more than once. A nil ctx waits without a
// deadline.
func (q *Queue[A, R]) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Drain(ctx)
}

package serial

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCallResultsInSubmissionOrder(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var order []int
	call := Wrap(func(_ context.Context, i int) (int, error) {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
		return i * 2, nil
	})

	futures := []*Future[int]{
		call(context.Background(), 0),
		call(context.Background(), 1),
		call(context.Background(), 2),
	}
	for i, f := range futures {
		v, err := f.Wait()
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if v != i*2 {
			t.Fatalf("call %d: expected %d, got %d", i, i*2, v)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[0 1 2]" {
		t.Fatalf("unexpected execution order %v", order)
	}
}

func TestFailureIsIsolated(t *testing.T) {
	t.Parallel()
	errTwo := errors.New("two")
	call := Wrap(func(_ context.Context, i int) (int, error) {
		if i == 2 {
			return 0, errTwo
		}
		return i, nil
	})
	f1 := call(context.Background(), 1)
	f2 := call(context.Background(), 2)
	f3 := call(context.Background(), 3)

	if v, err := f1.Wait(); err != nil || v != 1 {
		t.Fatalf("call 1: got (%v, %v)", v, err)
	}
	if _, err := f2.Wait(); err != errTwo {
		t.Fatalf("call 2: expected the operation's own error, got %v", err)
	}
	if v, err := f3.Wait(); err != nil || v != 3 {
		t.Fatalf("call 3 should not be short-circuited, got (%v, %v)", v, err)
	}
}

func TestStrictFIFOUnderRandomLatency(t *testing.T) {
	t.Parallel()
	const n = 40
	var running, maxRunning atomic.Int32
	var mu sync.Mutex
	var started []int
	q := New(func(_ context.Context, i int) (int, error) {
		if c := running.Add(1); c > maxRunning.Load() {
			maxRunning.Store(c)
		}
		mu.Lock()
		started = append(started, i)
		mu.Unlock()
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		running.Add(-1)
		if i%5 == 0 {
			return 0, errors.New("flaky")
		}
		return i, nil
	})
	futures := make([]*Future[int], n)
	for i := range futures {
		futures[i] = q.Call(context.Background(), i)
	}
	for i, f := range futures {
		v, err := f.Wait()
		if i%5 == 0 {
			if err == nil {
				t.Fatalf("call %d: expected error", i)
			}
			continue
		}
		if err != nil || v != i {
			t.Fatalf("call %d: got (%v, %v)", i, v, err)
		}
	}
	if m := maxRunning.Load(); m != 1 {
		t.Fatalf("expected at most one running call, observed %d", m)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range started {
		if v != i {
			t.Fatalf("call %d started at position %d", v, i)
		}
	}
}

func TestSubmissionDoesNotBlock(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	q := New(func(_ context.Context, i int) (int, error) {
		<-release
		return i, nil
	})

	start := time.Now()
	futures := make([]*Future[int], 5)
	for i := range futures {
		futures[i] = q.Call(context.Background(), i)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("submission blocked for %v", elapsed)
	}
	for i, f := range futures {
		select {
		case <-f.Done():
			t.Fatalf("call %d settled before the operation was released", i)
		default:
		}
	}
	if got := q.Pending(); got != 5 {
		t.Fatalf("expected 5 pending calls, got %d", got)
	}
	close(release)
	for _, f := range futures {
		_, _ = f.Wait()
	}
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := q.Pending(); got != 0 {
		t.Fatalf("expected no pending calls after drain, got %d", got)
	}
}

func TestSyncOperationIsTransparent(t *testing.T) {
	t.Parallel()
	square := func(i int) int { return i * i }
	call := Wrap(Sync(square))
	const n = 100
	futures := make([]*Future[int], n)
	for i := range futures {
		futures[i] = call(context.Background(), i)
	}
	for i, f := range futures {
		v, err := f.Wait()
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if v != square(i) {
			t.Fatalf("call %d: expected %d, got %d", i, square(i), v)
		}
	}
}

func TestSyncErrKeepsError(t *testing.T) {
	t.Parallel()
	errOdd := errors.New("odd")
	call := Wrap(SyncErr(func(i int) (int, error) {
		if i%2 == 1 {
			return 0, errOdd
		}
		return i, nil
	}))
	if _, err := call(context.Background(), 1).Wait(); !errors.Is(err, errOdd) {
		t.Fatalf("expected errOdd, got %v", err)
	}
	if v, err := call(context.Background(), 4).Wait(); err != nil || v != 4 {
		t.Fatalf("got (%v, %v)", v, err)
	}
}

func TestPanicConvertedAndChainAdvances(t *testing.T) {
	t.Parallel()
	call := Wrap(func(_ context.Context, s string) (string, error) {
		if s == "boom" {
			panic("panic-value")
		}
		return s, nil
	})
	f1 := call(context.Background(), "boom")
	f2 := call(context.Background(), "ok")

	_, err := f1.Wait()
	var perr *PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PanicError, got %v", err)
	}
	if perr.Value != "panic-value" || perr.Stack == "" {
		t.Fatalf("unexpected panic error: value=%v stack=%q", perr.Value, perr.Stack)
	}
	if v, err := f2.Wait(); err != nil || v != "ok" {
		t.Fatalf("call after panic: got (%v, %v)", v, err)
	}
}

func TestPanicErrorUnwrapsErrorValue(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("sentinel")
	call := Wrap(func(_ context.Context, _ struct{}) (int, error) {
		panic(sentinel)
	})
	if _, err := call(context.Background(), struct{}{}).Wait(); !errors.Is(err, sentinel) {
		t.Fatalf("expected panic error to unwrap to sentinel, got %v", err)
	}
}

func TestCanceledWhileQueuedIsSkipped(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var invoked []string
	var mu sync.Mutex
	q := New(func(_ context.Context, s string) (string, error) {
		mu.Lock()
		invoked = append(invoked, s)
		mu.Unlock()
		if s == "first" {
			<-release
		}
		return s, nil
	})

	first := q.Call(context.Background(), "first")
	ctx, cancel := context.WithCancel(context.Background())
	second := q.Call(ctx, "second")
	third := q.Call(context.Background(), "third")
	cancel()

	select {
	case <-second.Done():
	case <-time.After(time.Second):
		t.Fatal("canceled call did not settle while its predecessor was running")
	}
	if _, err := second.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	select {
	case <-third.Done():
		t.Fatal("third call ran before the first call settled")
	default:
	}

	close(release)
	if v, err := first.Wait(); err != nil || v != "first" {
		t.Fatalf("first: got (%v, %v)", v, err)
	}
	if v, err := third.Wait(); err != nil || v != "third" {
		t.Fatalf("third: got (%v, %v)", v, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(invoked) != "[first third]" {
		t.Fatalf("unexpected invocations %v", invoked)
	}
}

func TestAlreadyCanceledContextSkipsImmediately(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	call := Wrap(func(_ context.Context, _ int) (int, error) {
		calls.Add(1)
		return 0, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call(ctx, 1).Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("operation should not run for a canceled call")
	}
}

func TestOperationSeesCallContext(t *testing.T) {
	t.Parallel()
	type key struct{}
	call := Wrap(func(ctx context.Context, _ int) (string, error) {
		v, _ := ctx.Value(key{}).(string)
		return v, nil
	})
	ctx := context.WithValue(context.Background(), key{}, "request-42")
	if v, _ := call(ctx, 0).Wait(); v != "request-42" {
		t.Fatalf("expected context value to reach the operation, got %q", v)
	}
}

func TestConcurrentSubmittersKeepPerSubmitterOrder(t *testing.T) {
	t.Parallel()
	const submitters = 8
	const perSubmitter = 50
	type job struct{ who, n int }
	var running, overlaps atomic.Int32
	var mu sync.Mutex
	seen := make(map[int][]int)
	q := New(func(_ context.Context, j job) (struct{}, error) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		mu.Lock()
		seen[j.who] = append(seen[j.who], j.n)
		mu.Unlock()
		running.Add(-1)
		return struct{}{}, nil
	})

	var wg sync.WaitGroup
	for w := 0; w < submitters; w++ {
		wg.Add(1)
		go func(who int) {
			defer wg.Done()
			for n := 0; n < perSubmitter; n++ {
				q.Call(context.Background(), job{who: who, n: n})
			}
		}(w)
	}
	wg.Wait()
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if overlaps.Load() != 0 {
		t.Fatalf("observed %d overlapping calls", overlaps.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for who := 0; who < submitters; who++ {
		got := seen[who]
		if len(got) != perSubmitter {
			t.Fatalf("submitter %d: expected %d calls, got %d", who, perSubmitter, len(got))
		}
		for i, n := range got {
			if n != i {
				t.Fatalf("submitter %d: call %d ran at position %d", who, n, i)
			}
		}
	}
}

func TestIndependentQueuesDoNotSerializeEachOther(t *testing.T) {
	t.Parallel()
	var running atomic.Int32
	both := make(chan struct{})
	var once sync.Once
	op := func(_ context.Context, _ int) (int, error) {
		if running.Add(1) == 2 {
			once.Do(func() { close(both) })
		}
		select {
		case <-both:
		case <-time.After(time.Second):
		}
		running.Add(-1)
		return 0, nil
	}
	a := Wrap(op)
	b := Wrap(op)
	fa := a(context.Background(), 0)
	fb := b(context.Background(), 0)
	_, _ = fa.Wait()
	_, _ = fb.Wait()
	select {
	case <-both:
	default:
		t.Fatal("calls on independent queues never overlapped")
	}
}

func TestDrainRespectsContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	q := New(func(_ context.Context, _ int) (int, error) {
		<-release
		return 0, nil
	})
	f := q.Call(context.Background(), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	close(release)
	_, _ = f.Wait()
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestCloseRejectsLaterCalls(t *testing.T) {
	t.Parallel()
	q := New(Sync(func(i int) int { return i }))
	f := q.Call(context.Background(), 7)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if v, err := f.Wait(); err != nil || v != 7 {
		t.Fatalf("call submitted before close: got (%v, %v)", v, err)
	}
	if _, err := q.Call(context.Background(), 8).Wait(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestFutureAwaitGivesUpWithoutCancelingCall(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	q := New(func(_ context.Context, i int) (int, error) {
		<-release
		return i, nil
	})
	f := q.Call(context.Background(), 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	close(release)
	if v, err := f.Await(context.Background()); err != nil || v != 3 {
		t.Fatalf("got (%v, %v)", v, err)
	}
}

func TestNewPanicsOnNilFunc(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil Func")
		}
	}()
	New[int, int](nil)
}

type countObserver struct {
	queued   atomic.Int64
	started  atomic.Int64
	finished atomic.Int64
	errored  atomic.Int64
	panicked atomic.Int64
	skipped  atomic.Int64
	rejected atomic.Int64

	mu   sync.Mutex
	seqs []uint64
	name string
}

func (o *countObserver) CallQueued(_ context.Context, c CallInfo, _ int) {
	o.queued.Add(1)
	o.mu.Lock()
	o.name = c.Queue
	o.mu.Unlock()
}
func (o *countObserver) CallStarted(_ context.Context, c CallInfo, _ time.Duration) {
	o.started.Add(1)
	o.mu.Lock()
	o.seqs = append(o.seqs, c.Seq)
	o.mu.Unlock()
}
func (o *countObserver) CallFinished(_ context.Context, _ CallInfo, _ time.Duration, err error, panicked bool) {
	o.finished.Add(1)
	if err != nil {
		o.errored.Add(1)
	}
	if panicked {
		o.panicked.Add(1)
	}
}
func (o *countObserver) CallSkipped(_ context.Context, _ CallInfo, _ error)  { o.skipped.Add(1) }
func (o *countObserver) CallRejected(_ context.Context, _ CallInfo, _ error) { o.rejected.Add(1) }

func TestObserverHooks(t *testing.T) {
	t.Parallel()
	obs := &countObserver{}
	q := New(func(_ context.Context, i int) (int, error) {
		switch i {
		case 1:
			return 0, errors.New("err")
		case 2:
			panic("p")
		}
		return i, nil
	}, WithName("hooks"), WithObserver(obs))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	q.Call(context.Background(), 0)
	q.Call(context.Background(), 1)
	q.Call(context.Background(), 2)
	q.Call(canceled, 3)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	q.Call(context.Background(), 4)

	if obs.queued.Load() != 4 || obs.started.Load() != 3 || obs.finished.Load() != 3 {
		t.Fatalf("unexpected counts: queued=%d started=%d finished=%d",
			obs.queued.Load(), obs.started.Load(), obs.finished.Load())
	}
	if obs.errored.Load() != 2 || obs.panicked.Load() != 1 {
		t.Fatalf("unexpected failure counts: errored=%d panicked=%d", obs.errored.Load(), obs.panicked.Load())
	}
	if obs.skipped.Load() != 1 || obs.rejected.Load() != 1 {
		t.Fatalf("unexpected skipped=%d rejected=%d", obs.skipped.Load(), obs.rejected.Load())
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if fmt.Sprint(obs.seqs) != "[1 2 3]" || obs.name != "hooks" {
		t.Fatalf("unexpected seqs %v name %q", obs.seqs, obs.name)
	}
}

func TestObserversFanOut(t *testing.T) {
	t.Parallel()
	a, b := &countObserver{}, &countObserver{}
	if Observers() != nil || Observers(nil) != nil {
		t.Fatal("expected nil observer when nothing to fan out to")
	}
	if Observers(a, nil) != Observer(a) {
		t.Fatal("single observer should be returned as is")
	}
	call := Wrap(Sync(func(i int) int { return i }), WithObserver(Observers(a, b)))
	_, _ = call(context.Background(), 1).Wait()
	for _, o := range []*countObserver{a, b} {
		if o.queued.Load() != 1 || o.started.Load() != 1 {
			t.Fatalf("observer missed callbacks: queued=%d started=%d", o.queued.Load(), o.started.Load())
		}
	}
}

type slowFinishObserver struct {
	countObserver
}

func (o *slowFinishObserver) CallFinished(ctx context.Context, c CallInfo, d time.Duration, err error, panicked bool) {
	time.Sleep(2 * time.Millisecond)
	o.countObserver.CallFinished(ctx, c, d, err, panicked)
}

func (o *slowFinishObserver) CallSkipped(ctx context.Context, c CallInfo, err error) {
	time.Sleep(2 * time.Millisecond)
	o.countObserver.CallSkipped(ctx, c, err)
}

func TestObserverHooksCompleteBeforeFutureSettles(t *testing.T) {
	t.Parallel()
	obs := &slowFinishObserver{}
	q := New(func(_ context.Context, i int) (int, error) {
		switch i {
		case 1:
			return 0, errors.New("err")
		case 2:
			panic("p")
		}
		return i, nil
	}, WithObserver(obs))

	for i := 0; i < 3; i++ {
		_, _ = q.Call(context.Background(), i).Wait()
		if got := obs.finished.Load(); got != int64(i+1) {
			t.Fatalf("call %d: Wait returned with %d finished hooks", i, got)
		}
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Call(canceled, 3).Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if obs.skipped.Load() != 1 {
		t.Fatal("Wait returned before the skipped hook ran")
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDrainAndCloseAcceptNilContext(t *testing.T) {
	t.Parallel()
	q := New(Sync(func(i int) int { return i }))
	var nilCtx context.Context
	f := q.Call(nilCtx, 1)
	if err := q.Drain(nilCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if v, err := f.Wait(); err != nil || v != 1 {
		t.Fatalf("got (%v, %v)", v, err)
	}
	if err := q.Close(nilCtx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

package serial

import "golang.org/x/sync/semaphore"

// Limiter admits calls into a queue. TryAcquire must not block; a false
// result rejects the call with ErrQueueFull. Release is called once for
// every successful TryAcquire, after the call has settled.
type Limiter interface {
	TryAcquire() bool
	Release()
}

type semLimiter struct {
	sem *semaphore.Weighted
}

// NewLimiter returns a Limiter admitting at most n outstanding calls, or nil
// when n <= 0.
func NewLimiter(n int) Limiter {
	if n <= 0 {
		return nil
	}
	return &semLimiter{sem: semaphore.NewWeighted(int64(n))}
}

func (l *semLimiter) TryAcquire() bool { return l.sem.TryAcquire(1) }

func (l *semLimiter) Release() { l.sem.Release(1) }

package serial

import (
	"context"
	"time"
)

type Option func(*Options)

type Options struct {
	Name         string
	PanicAsError bool
	Observer     Observer
	Limiter      Limiter
}

func defaultOptions() Options { return Options{PanicAsError: true} }

// WithName labels the queue in observer callbacks.
func WithName(name string) Option { return func(o *Options) { o.Name = name } }

func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

// WithMaxPending bounds the number of calls that may be queued or running at
// once. Calls past the bound fail with ErrQueueFull. n <= 0 means unbounded.
func WithMaxPending(n int) Option {
	return func(o *Options) { o.Limiter = NewLimiter(n) }
}

// WithLimiter admits calls through l. One Limiter may be shared by several
// queues to bound their combined depth.
func WithLimiter(l Limiter) Option { return func(o *Options) { o.Limiter = l } }

// CallInfo identifies one call. Seq is the call's position in submission
// order and starts at 1; rejected calls carry Seq 0.
type CallInfo struct {
	Queue string
	Seq   uint64
}

type Observer interface {
	CallQueued(ctx context.Context, call CallInfo, pending int)
	CallStarted(ctx context.Context, call CallInfo, wait time.Duration)
	CallFinished(ctx context.Context, call CallInfo, dur time.Duration, err error, panicked bool)
	CallSkipped(ctx context.Context, call CallInfo, cause error)
	CallRejected(ctx context.Context, call CallInfo, reason error)
}

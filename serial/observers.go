package serial

import (
	"context"
	"time"
)

type multiObserver []Observer

// Observers returns an Observer that forwards every callback to each of obs
// in order. Nil entries are dropped.
func Observers(obs ...Observer) Observer {
	m := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

func (m multiObserver) CallQueued(ctx context.Context, call CallInfo, pending int) {
	for _, o := range m {
		o.CallQueued(ctx, call, pending)
	}
}

func (m multiObserver) CallStarted(ctx context.Context, call CallInfo, wait time.Duration) {
	for _, o := range m {
		o.CallStarted(ctx, call, wait)
	}
}

func (m multiObserver) CallFinished(ctx context.Context, call CallInfo, dur time.Duration, err error, panicked bool) {
	for _, o := range m {
		o.CallFinished(ctx, call, dur, err, panicked)
	}
}

func (m multiObserver) CallSkipped(ctx context.Context, call CallInfo, cause error) {
	for _, o := range m {
		o.CallSkipped(ctx, call, cause)
	}
}

func (m multiObserver) CallRejected(ctx context.Context, call CallInfo, reason error) {
	for _, o := range m {
		o.CallRejected(ctx, call, reason)
	}
}

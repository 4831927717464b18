// Package zlog logs serial queue activity through zerolog.
package zlog

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/NetPo4ki/go-serial/serial"
)

// Options tunes what gets logged.
type Options struct {
	// SlowWait raises CallStarted to warn level when a call waited at least
	// this long for its turn. Zero disables the warning.
	SlowWait time.Duration
}

// Logger is a serial.Observer writing one structured event per lifecycle
// step. Routine steps log at debug; failures at error; rejections, skips
// and slow waits at warn.
type Logger struct {
	log  zerolog.Logger
	opts Options
}

var _ serial.Observer = (*Logger)(nil)

func New(log zerolog.Logger, opts Options) *Logger {
	return &Logger{log: log, opts: opts}
}

func (l *Logger) logger(ctx context.Context) *zerolog.Logger {
	if ctxLog := zerolog.Ctx(ctx); ctxLog != zerolog.DefaultContextLogger && ctxLog.GetLevel() != zerolog.Disabled {
		return ctxLog
	}
	return &l.log
}

func (l *Logger) CallQueued(ctx context.Context, call serial.CallInfo, pending int) {
	l.logger(ctx).Debug().
		Str("queue", call.Queue).
		Uint64("seq", call.Seq).
		Int("pending", pending).
		Msg("Call queued")
}

func (l *Logger) CallStarted(ctx context.Context, call serial.CallInfo, wait time.Duration) {
	ev := l.logger(ctx).Debug()
	msg := "Call started"
	if l.opts.SlowWait > 0 && wait >= l.opts.SlowWait {
		ev = l.logger(ctx).Warn()
		msg = "Call waited longer than expected"
	}
	ev.Str("queue", call.Queue).
		Uint64("seq", call.Seq).
		Dur("wait", wait).
		Msg(msg)
}

func (l *Logger) CallFinished(ctx context.Context, call serial.CallInfo, dur time.Duration, err error, panicked bool) {
	log := l.logger(ctx)
	switch {
	case panicked:
		ev := log.Error().
			Str("queue", call.Queue).
			Uint64("seq", call.Seq).
			Dur("duration", dur)
		var perr *serial.PanicError
		if errors.As(err, &perr) {
			ev = ev.Interface("panic", perr.Value).Str("stack", perr.Stack)
		}
		ev.Msg("Call panicked")
	case err != nil:
		log.Error().
			Str("queue", call.Queue).
			Uint64("seq", call.Seq).
			Dur("duration", dur).
			Err(err).
			Msg("Call failed")
	default:
		log.Debug().
			Str("queue", call.Queue).
			Uint64("seq", call.Seq).
			Dur("duration", dur).
			Msg("Call completed")
	}
}

func (l *Logger) CallSkipped(ctx context.Context, call serial.CallInfo, cause error) {
	l.logger(ctx).Warn().
		Str("queue", call.Queue).
		Uint64("seq", call.Seq).
		AnErr("cause", cause).
		Msg("Call skipped before its turn")
}

func (l *Logger) CallRejected(ctx context.Context, call serial.CallInfo, reason error) {
	l.logger(ctx).Warn().
		Str("queue", call.Queue).
		Err(reason).
		Msg("Call rejected")
}

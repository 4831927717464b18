// Package bench drives a serial queue with concurrent submitters and checks
// that ordering and failure isolation hold under load.
package bench

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/NetPo4ki/go-serial/serial"
)

var errInjected = errors.New("injected failure")

type job struct {
	submitter int
	index     int
	fail      bool
	panic     bool
	latency   time.Duration
}

// Report summarizes a run. Overlaps, OutOfOrder and Mismatched must all be
// zero for a correct queue.
type Report struct {
	Calls      int           `json:"calls"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Panicked   int           `json:"panicked"`
	Rejected   int           `json:"rejected"`
	Overlaps   int64         `json:"overlaps"`
	OutOfOrder int64         `json:"out_of_order"`
	Mismatched int64         `json:"mismatched"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Err reports the first violated property, if any.
func (r Report) Err() error {
	switch {
	case r.Overlaps > 0:
		return fmt.Errorf("bench: %d calls overlapped", r.Overlaps)
	case r.OutOfOrder > 0:
		return fmt.Errorf("bench: %d calls ran out of submission order", r.OutOfOrder)
	case r.Mismatched > 0:
		return fmt.Errorf("bench: %d calls settled with another call's outcome", r.Mismatched)
	}
	return nil
}

// plan assigns every call to a submitter and decides its fate up front so
// that a seed reproduces a run.
func plan(cfg Config) [][]job {
	rng := rand.New(rand.NewSource(cfg.Seed))
	jobs := make([][]job, cfg.Submitters)
	for i := 0; i < cfg.Calls; i++ {
		s := i % cfg.Submitters
		j := job{submitter: s, index: len(jobs[s]), latency: cfg.MinLatency}
		if span := cfg.MaxLatency - cfg.MinLatency; span > 0 {
			j.latency += time.Duration(rng.Int63n(int64(span)))
		}
		r := rng.Float64()
		switch {
		case r < cfg.PanicRate:
			j.panic = true
		case r < cfg.PanicRate+cfg.FailureRate:
			j.fail = true
		}
		jobs[s] = append(jobs[s], j)
	}
	return jobs
}

// Run executes cfg against a fresh queue configured with obs.
func Run(ctx context.Context, cfg Config, log zerolog.Logger, obs serial.Observer) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}

	var running atomic.Int32
	var overlaps, outOfOrder, mismatched atomic.Int64
	var mu sync.Mutex
	last := make([]int, cfg.Submitters)
	for i := range last {
		last[i] = -1
	}

	q := serial.New(func(_ context.Context, j job) (int, error) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer running.Add(-1)

		mu.Lock()
		if j.index <= last[j.submitter] {
			outOfOrder.Add(1)
		}
		last[j.submitter] = j.index
		mu.Unlock()

		if j.latency > 0 {
			time.Sleep(j.latency)
		}
		if j.panic {
			panic(fmt.Sprintf("injected panic %d/%d", j.submitter, j.index))
		}
		if j.fail {
			return 0, errInjected
		}
		return j.index, nil
	},
		serial.WithName(cfg.QueueName),
		serial.WithMaxPending(cfg.MaxPending),
		serial.WithObserver(obs),
	)

	jobs := plan(cfg)
	rep := Report{Calls: cfg.Calls}
	var repMu sync.Mutex
	start := time.Now()

	log.Info().
		Int("calls", cfg.Calls).
		Int("submitters", cfg.Submitters).
		Int("maxPending", cfg.MaxPending).
		Msg("Run started")

	var wg sync.WaitGroup
	for s := range jobs {
		wg.Add(1)
		go func(js []job) {
			defer wg.Done()
			futures := make([]*serial.Future[int], len(js))
			for i, j := range js {
				futures[i] = q.Call(ctx, j)
			}
			var ok, failed, panicked, rejected int
			for i, f := range futures {
				v, err := f.Wait()
				var perr *serial.PanicError
				switch {
				case errors.Is(err, serial.ErrQueueFull), errors.Is(err, serial.ErrClosed):
					rejected++
				case errors.As(err, &perr):
					panicked++
					if !js[i].panic {
						mismatched.Add(1)
					}
				case err != nil:
					failed++
					if !js[i].fail && ctx.Err() == nil {
						mismatched.Add(1)
					}
				default:
					ok++
					if v != js[i].index || js[i].fail || js[i].panic {
						mismatched.Add(1)
					}
				}
			}
			repMu.Lock()
			rep.Succeeded += ok
			rep.Failed += failed
			rep.Panicked += panicked
			rep.Rejected += rejected
			repMu.Unlock()
		}(jobs[s])
	}
	wg.Wait()

	if err := q.Close(ctx); err != nil {
		return rep, fmt.Errorf("failed to drain queue: %w", err)
	}
	rep.Elapsed = time.Since(start)
	rep.Overlaps = overlaps.Load()
	rep.OutOfOrder = outOfOrder.Load()
	rep.Mismatched = mismatched.Load()

	log.Info().
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Int("panicked", rep.Panicked).
		Int("rejected", rep.Rejected).
		Dur("elapsed", rep.Elapsed).
		Msg("Run finished")
	return rep, rep.Err()
}

// Package prom exports serial queue activity as Prometheus metrics.
package prom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NetPo4ki/go-serial/serial"
)

// Options controls collector configuration.
type Options struct {
	// WaitBuckets and DurationBuckets default to prometheus.DefBuckets.
	WaitBuckets     []float64
	DurationBuckets []float64
	// Gatherer is served by Handler. It defaults to reg when reg is also a
	// Gatherer, and to prometheus.DefaultGatherer otherwise.
	Gatherer prometheus.Gatherer
}

// Metrics is a serial.Observer backed by Prometheus collectors. Every series
// is labelled with the queue name; unnamed queues report as "default".
type Metrics struct {
	gatherer prometheus.Gatherer

	queued   *prometheus.CounterVec
	finished *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	rejected *prometheus.CounterVec
	pending  *prometheus.GaugeVec
	wait     *prometheus.HistogramVec
	duration *prometheus.HistogramVec
}

var _ serial.Observer = (*Metrics)(nil)

// New creates the collectors under namespace and registers them with reg.
// A nil reg registers with a fresh registry, reachable through Handler.
// Collectors already registered by an earlier call are reused, so several
// queues may share one Metrics or one registry.
func New(namespace string, reg prometheus.Registerer, opts Options) (*Metrics, error) {
	if namespace == "" {
		namespace = "serial"
	}
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	switch r := reg.(type) {
	case nil:
		fresh := prometheus.NewRegistry()
		reg, gatherer = fresh, fresh
	case prometheus.Gatherer:
		gatherer = r
	}
	if opts.Gatherer != nil {
		gatherer = opts.Gatherer
	}
	waitBuckets := opts.WaitBuckets
	if len(waitBuckets) == 0 {
		waitBuckets = prometheus.DefBuckets
	}
	durBuckets := opts.DurationBuckets
	if len(durBuckets) == 0 {
		durBuckets = prometheus.DefBuckets
	}

	m := &Metrics{
		gatherer: gatherer,
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_queued_total",
			Help:      "Total number of calls admitted to a queue.",
		}, []string{"queue"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_finished_total",
			Help:      "Total number of calls whose operation ran, by outcome.",
		}, []string{"queue", "outcome"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_skipped_total",
			Help:      "Total number of calls canceled before their turn.",
		}, []string{"queue"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Total number of calls refused at submission.",
		}, []string{"queue", "reason"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Calls admitted and not yet finished or skipped.",
		}, []string{"queue"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_wait_seconds",
			Help:      "Time between submission and the start of a call.",
			Buckets:   waitBuckets,
		}, []string{"queue"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Operation execution time.",
			Buckets:   durBuckets,
		}, []string{"queue"}),
	}

	var err error
	if m.queued, err = register(reg, m.queued); err != nil {
		return nil, err
	}
	if m.finished, err = register(reg, m.finished); err != nil {
		return nil, err
	}
	if m.skipped, err = register(reg, m.skipped); err != nil {
		return nil, err
	}
	if m.rejected, err = register(reg, m.rejected); err != nil {
		return nil, err
	}
	if m.pending, err = register(reg, m.pending); err != nil {
		return nil, err
	}
	if m.wait, err = register(reg, m.wait); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		existing, ok := are.ExistingCollector.(T)
		if !ok {
			return c, fmt.Errorf("prom: collector type mismatch for %T", c)
		}
		return existing, nil
	}
	return c, err
}

// Handler serves the registry the collectors were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// CallQueued counts an admitted call.
func (m *Metrics) CallQueued(_ context.Context, call serial.CallInfo, _ int) {
	q := queueLabel(call)
	m.queued.WithLabelValues(q).Inc()
	m.pending.WithLabelValues(q).Inc()
}

// CallStarted observes the time the call spent queued.
func (m *Metrics) CallStarted(_ context.Context, call serial.CallInfo, wait time.Duration) {
	m.wait.WithLabelValues(queueLabel(call)).Observe(wait.Seconds())
}

// CallFinished records the outcome and execution time.
func (m *Metrics) CallFinished(_ context.Context, call serial.CallInfo, dur time.Duration, err error, panicked bool) {
	q := queueLabel(call)
	outcome := "ok"
	switch {
	case panicked:
		outcome = "panic"
	case err != nil:
		outcome = "error"
	}
	m.finished.WithLabelValues(q, outcome).Inc()
	m.duration.WithLabelValues(q).Observe(dur.Seconds())
	m.pending.WithLabelValues(q).Dec()
}

// CallSkipped counts a call canceled while queued.
func (m *Metrics) CallSkipped(_ context.Context, call serial.CallInfo, _ error) {
	q := queueLabel(call)
	m.skipped.WithLabelValues(q).Inc()
	m.pending.WithLabelValues(q).Dec()
}

// CallRejected counts a refused submission.
func (m *Metrics) CallRejected(_ context.Context, call serial.CallInfo, reason error) {
	m.rejected.WithLabelValues(queueLabel(call), reasonLabel(reason)).Inc()
}

func queueLabel(call serial.CallInfo) string {
	if call.Queue == "" {
		return "default"
	}
	return call.Queue
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, serial.ErrQueueFull):
		return "full"
	case errors.Is(err, serial.ErrClosed):
		return "closed"
	default:
		return "unknown"
	}
}

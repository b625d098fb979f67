package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/szibis/batch-governor/internal/batch"
	"github.com/szibis/batch-governor/internal/logging"
)

var (
	dispatchRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_governor_dispatch_retries_total",
		Help: "Total whole-batch dispatch retries",
	})

	dispatchFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_governor_dispatch_failures_total",
		Help: "Total failed batch dispatches by failure kind",
	}, []string{"kind"})

	circuitRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_governor_circuit_rejected_batches_total",
		Help: "Total batches failed fast because the circuit was open",
	})

	dispatchDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_governor_dispatch_duration_seconds",
		Help:    "Duration of downstream batch calls",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	dispatchBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_governor_dispatch_batch_size",
		Help:    "Operations per dispatched batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(dispatchRetriesTotal)
	prometheus.MustRegister(dispatchFailuresTotal)
	prometheus.MustRegister(circuitRejectedTotal)
	prometheus.MustRegister(dispatchDurationSeconds)
	prometheus.MustRegister(dispatchBatchSize)

	dispatchFailuresTotal.WithLabelValues(string(KindTransient)).Add(0)
	dispatchFailuresTotal.WithLabelValues(string(KindPermanent)).Add(0)
	dispatchFailuresTotal.WithLabelValues("protocol").Add(0)
}

// ExecutorConfig holds retry and concurrency settings. Zero values take
// defaults.
type ExecutorConfig struct {
	// MaxAttempts is the whole-batch attempt budget for transient failures
	// (default: 3).
	MaxAttempts int
	// BaseDelay is the initial backoff delay (default: 100ms).
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay (default: 5s).
	MaxDelay time.Duration
	// Multiplier grows the delay after each failed attempt (default: 2.0).
	Multiplier float64
	// Timeout is the per-call ceiling; an overrun is a transient failure
	// (default: 30s).
	Timeout time.Duration
	// MaxConcurrent bounds in-flight downstream calls across all targets
	// (default: 16).
	MaxConcurrent int64
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier <= 1.0 {
		c.Multiplier = 2.0
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	return c
}

// Executor takes closed batches, performs the downstream call through the
// dispatch collaborator, and demultiplexes the combined result back to
// each operation's sink. Failures are classified for retry or immediate
// propagation; every operation in a dispatched batch resolves exactly once.
type Executor struct {
	dispatcher Dispatcher
	breaker    Breaker
	stats      StatsRecorder
	cfg        ExecutorConfig
	sem        *semaphore.Weighted

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// NewExecutor creates an executor. breaker and stats may be nil.
func NewExecutor(d Dispatcher, breaker Breaker, stats StatsRecorder, cfg ExecutorConfig) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		dispatcher: d,
		breaker:    breaker,
		stats:      stats,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		sleep:      time.Sleep,
	}
}

// Dispatch sends one batch downstream and resolves every contained sink.
// A retry re-sends the same batch object; batches for one target arrive
// here already serialized by the scheduler.
func (e *Executor) Dispatch(ctx context.Context, b *batch.Batch) {
	if b.Size() == 0 {
		return
	}

	if e.breaker != nil && e.breaker.IsOpen(b.Target) {
		circuitRejectedTotal.Inc()
		b.Fail(ErrCircuitOpen)
		logging.Debug("batch rejected, circuit open", logging.F(
			"target", b.Target,
			"operations", b.Size(),
		))
		return
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		b.Fail(classify(err))
		return
	}
	defer e.sem.Release(1)

	dispatchBatchSize.Observe(float64(b.Size()))
	payloads := b.Payloads()

	res, err := e.send(ctx, b.Target, payloads)
	if err != nil {
		e.fail(b, err)
		return
	}

	if err := e.resolve(b, res); err != nil {
		dispatchFailuresTotal.WithLabelValues("protocol").Inc()
		e.fail(b, err)
		return
	}

	if e.breaker != nil {
		e.breaker.RecordOutcome(b.Target, true)
	}
	if e.stats != nil {
		e.stats.RecordBatch(b.Target, b.Size())
		e.stats.RecordAPICall()
	}
}

// send performs the downstream call with bounded retry on transient
// failures. The returned error is always classified.
func (e *Executor) send(ctx context.Context, target string, payloads []json.RawMessage) (*Result, error) {
	delay := e.cfg.BaseDelay

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		start := time.Now()
		res, err := e.dispatcher.Send(callCtx, target, payloads)
		dispatchDurationSeconds.Observe(time.Since(start).Seconds())
		cancel()

		if err == nil {
			return res, nil
		}

		classified := classify(err)
		if !classified.IsRetryable() || attempt >= e.cfg.MaxAttempts {
			return nil, classified
		}

		dispatchRetriesTotal.Inc()
		logging.Warn("dispatch failed, retrying batch", logging.F(
			"target", target,
			"attempt", attempt,
			"delay", delay.String(),
			"error", classified.Error(),
		))

		e.sleep(jitter(delay))
		delay = time.Duration(float64(delay) * e.cfg.Multiplier)
		if delay > e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
		}

		if ctx.Err() != nil {
			return nil, classify(ctx.Err())
		}
	}
}

// fail records the failure, informs the breaker, and resolves every sink.
func (e *Executor) fail(b *batch.Batch, err error) {
	var de *Error
	if errors.As(err, &de) {
		dispatchFailuresTotal.WithLabelValues(string(de.Kind)).Inc()
	}
	if e.breaker != nil {
		e.breaker.RecordOutcome(b.Target, false)
	}
	if e.stats != nil {
		e.stats.RecordDispatchError()
	}
	logging.Error("batch dispatch failed", logging.F(
		"target", b.Target,
		"operations", b.Size(),
		"error", err.Error(),
	))
	b.Fail(err)
}

// resolve maps the combined result back to each operation's sink by
// position. Any count or index mismatch is fatal for the batch: nothing
// is resolved here and a *ProtocolError is returned.
func (e *Executor) resolve(b *batch.Batch, res *Result) error {
	if res == nil || (res.Combined == nil && res.Items == nil) {
		return &ProtocolError{Target: b.Target, Expected: b.Size(), Got: 0, Detail: "empty result"}
	}

	if res.Combined != nil {
		if len(res.Combined) != b.Size() {
			return &ProtocolError{Target: b.Target, Expected: b.Size(), Got: len(res.Combined)}
		}
		for i, op := range b.Operations {
			op.Sink.Resolve(batch.Outcome{Payload: res.Combined[i]})
		}
		return nil
	}

	// Partial result: every index must appear exactly once.
	if len(res.Items) != b.Size() {
		return &ProtocolError{Target: b.Target, Expected: b.Size(), Got: len(res.Items)}
	}
	seen := make([]bool, b.Size())
	for _, item := range res.Items {
		if item.Index < 0 || item.Index >= b.Size() {
			return &ProtocolError{
				Target: b.Target, Expected: b.Size(), Got: len(res.Items),
				Detail: fmt.Sprintf("index %d out of range", item.Index),
			}
		}
		if seen[item.Index] {
			return &ProtocolError{
				Target: b.Target, Expected: b.Size(), Got: len(res.Items),
				Detail: fmt.Sprintf("index %d repeated", item.Index),
			}
		}
		seen[item.Index] = true
	}
	for _, item := range res.Items {
		op := b.Operations[item.Index]
		if item.Err != "" {
			op.Sink.Resolve(batch.Outcome{Err: &Error{
				Kind:    KindPermanent,
				Message: item.Err,
				Err:     errors.New(item.Err),
			}})
			continue
		}
		op.Sink.Resolve(batch.Outcome{Payload: item.Payload})
	}
	return nil
}

// jitter spreads a delay by ±20% so retries across targets do not align.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

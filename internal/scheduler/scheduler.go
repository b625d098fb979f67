// Package scheduler owns the per-target operation queues and decides when
// each queue closes into a batch: on expiry of the adaptive collection
// window, measured from the first enqueue, or immediately once a hard size
// cap is reached. Flush execution is serialized per target; targets are
// fully independent.
package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/batch-governor/internal/batch"
	"github.com/szibis/batch-governor/internal/clock"
	"github.com/szibis/batch-governor/internal/logging"
	"github.com/szibis/batch-governor/internal/window"
)

var (
	pendingOperations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batch_governor_pending_operations",
		Help: "Operations currently queued per target",
	}, []string{"target"})

	queueFlushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_governor_queue_flush_total",
		Help: "Total batch closes per target by trigger",
	}, []string{"target", "trigger"})

	dedupRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_governor_dedup_rejected_total",
		Help: "Total enqueues rejected as duplicate operation IDs",
	})
)

func init() {
	prometheus.MustRegister(pendingOperations)
	prometheus.MustRegister(queueFlushTotal)
	prometheus.MustRegister(dedupRejectedTotal)
}

var (
	// ErrQueueClosed rejects operations submitted after shutdown began.
	ErrQueueClosed = errors.New("scheduler: queue closed")
	// ErrShutdown resolves operations that were still pending at shutdown.
	ErrShutdown = errors.New("scheduler: shut down before dispatch")
	// ErrCancelled resolves operations removed by caller cancellation.
	ErrCancelled = errors.New("scheduler: operation cancelled")
	// ErrDuplicate rejects an enqueue whose ID is already pending for the
	// same target.
	ErrDuplicate = errors.New("scheduler: duplicate operation id")
)

// flush triggers, used as a metric label.
const (
	triggerTimer = "timer"
	triggerCap   = "cap"
)

// Executor consumes closed batches. Implemented by dispatch.Executor.
type Executor interface {
	Dispatch(ctx context.Context, b *batch.Batch)
}

// Recorder receives enqueue-side accounting. May be nil.
type Recorder interface {
	ObserveEnqueue(target string)
	ObserveCancel()
}

// Config holds scheduler settings.
type Config struct {
	// Window configures the collection-window controller(s).
	Window window.Config
	// HardCap forces an immediate flush once a queue's pending count
	// reaches it, regardless of elapsed window time (default: 500).
	HardCap int
	// PerTargetWindow gives every target its own window controller instead
	// of one shared controller.
	PerTargetWindow bool
	// Dedup enables the duplicate-operation-ID guard per target.
	Dedup bool
	// DedupExpectedOps sizes the dedup Bloom filter (default: 100000).
	DedupExpectedOps uint
}

func (c Config) withDefaults() Config {
	if c.HardCap <= 0 {
		c.HardCap = 500
	}
	return c
}

// targetQueue is the per-target pending set. Its mutex serializes enqueue,
// trigger and flush-completion for one target.
type targetQueue struct {
	target string
	ctrl   *window.Controller

	mu            sync.Mutex
	pending       []*batch.Operation
	timer         clock.Timer
	flushInFlight bool
	closed        bool
	dedup         *dedupGuard
}

// Scheduler owns the set of target queues.
type Scheduler struct {
	cfg    Config
	exec   Executor
	clk    clock.Clock
	stats  Recorder
	global *window.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*targetQueue
	closed bool
}

// New creates a scheduler. The window configuration is validated here;
// invalid bounds or thresholds fail construction.
func New(cfg Config, exec Executor, clk clock.Clock, stats Recorder) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	global, err := window.New("global", cfg.Window)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		exec:   exec,
		clk:    clk,
		stats:  stats,
		global: global,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*targetQueue),
	}
	logging.Info("scheduler initialized", logging.F(
		"hard_cap", cfg.HardCap,
		"per_target_window", cfg.PerTargetWindow,
		"dedup", cfg.Dedup,
	))
	return s, nil
}

// Enqueue appends an operation to the target's queue and returns it with
// an unresolved sink. Non-blocking: the only failures are a closed
// scheduler or a duplicate ID. An empty id gets a generated UUID.
func (s *Scheduler) Enqueue(target, id string, payload []byte) (*batch.Operation, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q := s.queues[target]
	if q == nil {
		q = s.newQueue(target)
		s.queues[target] = q
	}
	s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	op := &batch.Operation{
		ID:         id,
		Target:     target,
		Payload:    payload,
		EnqueuedAt: s.clk.Now(),
		Sink:       batch.NewSink(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if q.dedup != nil && !q.dedup.add(id) {
		q.mu.Unlock()
		dedupRejectedTotal.Inc()
		return nil, ErrDuplicate
	}
	q.pending = append(q.pending, op)
	pendingOperations.WithLabelValues(target).Set(float64(len(q.pending)))
	if q.timer == nil {
		// Window measured from the first operation's arrival; later
		// enqueues never reset it.
		s.armLocked(q)
	}
	capHit := len(q.pending) >= s.cfg.HardCap
	q.mu.Unlock()

	if s.stats != nil {
		s.stats.ObserveEnqueue(target)
	}
	if capHit {
		s.trigger(q, triggerCap)
	}
	return op, nil
}

func (s *Scheduler) newQueue(target string) *targetQueue {
	q := &targetQueue{target: target}
	if s.cfg.PerTargetWindow {
		ctrl, err := window.New(target, s.cfg.Window)
		if err != nil {
			// Config was validated at construction; fall back to shared.
			ctrl = s.global
		}
		q.ctrl = ctrl
	} else {
		q.ctrl = s.global
	}
	if s.cfg.Dedup {
		q.dedup = newDedupGuard(s.cfg.DedupExpectedOps, 0.01)
	}
	return q
}

// armLocked arms the queue's flush timer for the controller's current
// window. Caller holds q.mu.
func (s *Scheduler) armLocked(q *targetQueue) {
	q.timer = s.clk.AfterFunc(q.ctrl.Current(), func() {
		s.trigger(q, triggerTimer)
	})
}

// trigger closes the queue into a batch unless a flush is already in
// flight, in which case the accumulated operations stay queued and a fresh
// timer for the next cycle is armed immediately. The window read for
// re-arming never waits on the in-flight flush.
func (s *Scheduler) trigger(q *targetQueue, cause string) {
	q.mu.Lock()
	if cause == triggerTimer {
		q.timer = nil
	}
	if q.closed || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	if q.flushInFlight {
		if q.timer == nil {
			s.armLocked(q)
		}
		q.mu.Unlock()
		return
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	ops := q.pending
	q.pending = nil
	q.flushInFlight = true
	if q.dedup != nil {
		for _, op := range ops {
			q.dedup.remove(op.ID)
		}
	}
	pendingOperations.WithLabelValues(q.target).Set(0)
	q.mu.Unlock()

	b := &batch.Batch{Target: q.target, Operations: ops, ClosedAt: s.clk.Now()}
	queueFlushTotal.WithLabelValues(q.target, cause).Inc()

	// The controller cycle runs on the attempted batch's size regardless
	// of dispatch outcome: traffic volume, not success, drives sizing.
	next := q.ctrl.RecordAndAdjust(b.Size())
	logging.Debug("batch closed", logging.F(
		"target", q.target,
		"operations", b.Size(),
		"trigger", cause,
		"next_window", next.String(),
	))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.exec.Dispatch(s.ctx, b)
		s.flushDone(q)
	}()
}

// flushDone re-arms the next cycle if operations accumulated while the
// flush was in flight and no timer took over meanwhile.
func (s *Scheduler) flushDone(q *targetQueue) {
	q.mu.Lock()
	q.flushInFlight = false
	if !q.closed && len(q.pending) > 0 && q.timer == nil {
		s.armLocked(q)
	}
	q.mu.Unlock()
}

// Cancel removes a still-pending operation by identity and resolves its
// sink with ErrCancelled. Siblings and the armed timer are untouched.
// Returns false if the operation is unknown or already flushed.
func (s *Scheduler) Cancel(target, id string) bool {
	s.mu.Lock()
	q := s.queues[target]
	s.mu.Unlock()
	if q == nil {
		return false
	}

	q.mu.Lock()
	idx := -1
	for i, op := range q.pending {
		if op.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	op := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	if q.dedup != nil {
		q.dedup.remove(id)
	}
	pendingOperations.WithLabelValues(target).Set(float64(len(q.pending)))
	q.mu.Unlock()

	op.Sink.Resolve(batch.Outcome{Err: ErrCancelled})
	if s.stats != nil {
		s.stats.ObserveCancel()
	}
	return true
}

// Shutdown stops all timers, fails every still-pending operation with
// ErrShutdown, rejects further enqueues, and waits for in-flight flushes
// bounded by ctx. On ctx expiry the in-flight dispatches are cancelled so
// their operations still resolve.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queues := make([]*targetQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.closed = true
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		ops := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, op := range ops {
			op.Sink.Resolve(batch.Outcome{Err: ErrShutdown})
		}
		pendingOperations.WithLabelValues(q.target).Set(0)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		// Force in-flight dispatches to resolve their batches.
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// CurrentWindow reports the current collection window: the shared
// controller's value, or the mean across per-target controllers.
func (s *Scheduler) CurrentWindow() time.Duration {
	if !s.cfg.PerTargetWindow {
		return s.global.Current()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queues) == 0 {
		return s.global.Current()
	}
	var sum time.Duration
	for _, q := range s.queues {
		sum += q.ctrl.Current()
	}
	mean := float64(sum.Milliseconds()) / float64(len(s.queues))
	return time.Duration(math.Round(mean)) * time.Millisecond
}

// AvgWindow reports the mean window over retained history in ms.
func (s *Scheduler) AvgWindow() float64 {
	if !s.cfg.PerTargetWindow {
		return s.global.Avg()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queues) == 0 {
		return s.global.Avg()
	}
	var sum float64
	for _, q := range s.queues {
		sum += q.ctrl.Avg()
	}
	return sum / float64(len(s.queues))
}

// ResetWindows restores every controller to its initial window and clears
// history.
func (s *Scheduler) ResetWindows() {
	s.global.Reset()
	if !s.cfg.PerTargetWindow {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if q.ctrl != s.global {
			q.ctrl.Reset()
		}
	}
}

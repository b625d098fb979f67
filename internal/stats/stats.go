// Package stats accumulates batching counters and derives the
// observability snapshot: average batch size, call-reduction percentage
// and window figures. Counters are the source of truth; everything else is
// recomputed on read.
package stats

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"

	"github.com/szibis/batch-governor/internal/logging"
)

// WindowReader exposes the window controller figures the snapshot
// delegates to. Implemented by the scheduler.
type WindowReader interface {
	CurrentWindow() time.Duration
	AvgWindow() float64
	ResetWindows()
}

// Snapshot is the derived, read-only stats view.
type Snapshot struct {
	TotalOperations     uint64  `json:"total_operations"`
	TotalBatches        uint64  `json:"total_batches"`
	TotalAPICalls       uint64  `json:"total_api_calls"`
	AvgBatchSize        float64 `json:"avg_batch_size"`
	ReductionPercentage float64 `json:"reduction_percentage"`
	CurrentWindowMs     int64   `json:"current_window_ms"`
	AvgWindowMs         float64 `json:"avg_window_ms"`

	EnqueuedOperations  uint64 `json:"enqueued_operations"`
	CancelledOperations uint64 `json:"cancelled_operations"`
	DispatchErrors      uint64 `json:"dispatch_errors"`
	DistinctTargets     uint64 `json:"distinct_targets"`
}

// Aggregator tracks batching counters. Safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	totalOperations uint64
	totalBatches    uint64
	totalAPICalls   uint64
	dispatchErrors  uint64
	enqueued        uint64
	cancelled       uint64

	// Distinct targets seen, estimated probabilistically.
	targets *hyperloglog.Sketch

	window WindowReader
}

// New creates an aggregator. The window reader may be attached later with
// SetWindow once the scheduler exists.
func New(w WindowReader) *Aggregator {
	return &Aggregator{
		targets: hyperloglog.New14(),
		window:  w,
	}
}

// SetWindow attaches the window reader.
func (a *Aggregator) SetWindow(w WindowReader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window = w
}

// RecordBatch accounts a successfully dispatched batch.
func (a *Aggregator) RecordBatch(target string, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalOperations += uint64(size)
	a.totalBatches++
}

// RecordAPICall accounts one physical downstream call.
func (a *Aggregator) RecordAPICall() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalAPICalls++
}

// RecordDispatchError accounts a terminally failed batch dispatch.
func (a *Aggregator) RecordDispatchError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dispatchErrors++
}

// ObserveEnqueue accounts an accepted operation and its target.
func (a *Aggregator) ObserveEnqueue(target string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enqueued++
	a.targets.Insert([]byte(target))
}

// ObserveCancel accounts a caller-cancelled operation.
func (a *Aggregator) ObserveCancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled++
}

// GetStats computes the derived snapshot. Read-only; no side effects.
func (a *Aggregator) GetStats() Snapshot {
	a.mu.Lock()
	snap := Snapshot{
		TotalOperations:     a.totalOperations,
		TotalBatches:        a.totalBatches,
		TotalAPICalls:       a.totalAPICalls,
		EnqueuedOperations:  a.enqueued,
		CancelledOperations: a.cancelled,
		DispatchErrors:      a.dispatchErrors,
		DistinctTargets:     a.targets.Estimate(),
	}
	w := a.window
	a.mu.Unlock()

	if snap.TotalBatches > 0 {
		snap.AvgBatchSize = float64(snap.TotalOperations) / float64(snap.TotalBatches)
	}
	if snap.TotalOperations > 0 {
		snap.ReductionPercentage = 1 - float64(snap.TotalAPICalls)/float64(snap.TotalOperations)
	}
	if w != nil {
		snap.CurrentWindowMs = w.CurrentWindow().Milliseconds()
		snap.AvgWindowMs = w.AvgWindow()
	}
	return snap
}

// Reset zeroes all counters and restores the window controller(s).
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.totalOperations = 0
	a.totalBatches = 0
	a.totalAPICalls = 0
	a.dispatchErrors = 0
	a.enqueued = 0
	a.cancelled = 0
	a.targets = hyperloglog.New14()
	w := a.window
	a.mu.Unlock()

	if w != nil {
		w.ResetWindows()
	}
	logging.Info("stats reset")
}

// Handler serves the JSON snapshot. GET returns the snapshot; DELETE
// resets counters and window history.
func (a *Aggregator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(a.GetStats())
		case http.MethodDelete:
			a.Reset()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeWindow struct {
	current time.Duration
	avg     float64
	resets  int
}

func (f *fakeWindow) CurrentWindow() time.Duration { return f.current }
func (f *fakeWindow) AvgWindow() float64           { return f.avg }
func (f *fakeWindow) ResetWindows()                { f.resets++ }

func TestAggregator_ReductionAfterOneBatch(t *testing.T) {
	a := New(nil)
	for i := 0; i < 10; i++ {
		a.ObserveEnqueue("sheet-1")
	}
	a.RecordBatch("sheet-1", 10)
	a.RecordAPICall()

	snap := a.GetStats()
	if snap.TotalOperations != 10 || snap.TotalBatches != 1 || snap.TotalAPICalls != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.AvgBatchSize != 10.0 {
		t.Errorf("expected avg batch size 10, got %f", snap.AvgBatchSize)
	}
	// 10 operations served by 1 call: 90% fewer calls.
	if snap.ReductionPercentage != 0.9 {
		t.Errorf("expected reduction 0.9, got %f", snap.ReductionPercentage)
	}
}

func TestAggregator_ZeroTrafficSnapshot(t *testing.T) {
	snap := New(nil).GetStats()
	if snap.AvgBatchSize != 0 || snap.ReductionPercentage != 0 {
		t.Errorf("expected zero-valued derivations without traffic, got %+v", snap)
	}
}

func TestAggregator_SingletonBatchesGiveNoReduction(t *testing.T) {
	a := New(nil)
	for i := 0; i < 5; i++ {
		a.RecordBatch("sheet-1", 1)
		a.RecordAPICall()
	}
	snap := a.GetStats()
	if snap.ReductionPercentage != 0 {
		t.Errorf("one call per operation means no reduction, got %f", snap.ReductionPercentage)
	}
	if snap.AvgBatchSize != 1.0 {
		t.Errorf("expected avg batch size 1, got %f", snap.AvgBatchSize)
	}
}

func TestAggregator_FailedDispatchesExcludedFromTotals(t *testing.T) {
	a := New(nil)
	a.RecordBatch("sheet-1", 8)
	a.RecordAPICall()
	a.RecordDispatchError()
	a.RecordDispatchError()

	snap := a.GetStats()
	if snap.TotalOperations != 8 || snap.TotalAPICalls != 1 {
		t.Errorf("failed dispatches must not count as operations or calls: %+v", snap)
	}
	if snap.DispatchErrors != 2 {
		t.Errorf("expected 2 dispatch errors, got %d", snap.DispatchErrors)
	}
}

func TestAggregator_EnqueueAndCancelCounters(t *testing.T) {
	a := New(nil)
	a.ObserveEnqueue("sheet-1")
	a.ObserveEnqueue("sheet-2")
	a.ObserveEnqueue("sheet-1")
	a.ObserveCancel()

	snap := a.GetStats()
	if snap.EnqueuedOperations != 3 || snap.CancelledOperations != 1 {
		t.Errorf("unexpected enqueue/cancel counters: %+v", snap)
	}
	if snap.DistinctTargets != 2 {
		t.Errorf("expected 2 distinct targets, got %d", snap.DistinctTargets)
	}
}

func TestAggregator_WindowFiguresDelegated(t *testing.T) {
	fw := &fakeWindow{current: 60 * time.Millisecond, avg: 55.5}
	a := New(nil)
	a.SetWindow(fw)

	snap := a.GetStats()
	if snap.CurrentWindowMs != 60 {
		t.Errorf("expected current window 60ms, got %d", snap.CurrentWindowMs)
	}
	if snap.AvgWindowMs != 55.5 {
		t.Errorf("expected avg window 55.5, got %f", snap.AvgWindowMs)
	}
}

func TestAggregator_ResetZeroesEverything(t *testing.T) {
	fw := &fakeWindow{current: 60 * time.Millisecond}
	a := New(fw)
	a.ObserveEnqueue("sheet-1")
	a.RecordBatch("sheet-1", 4)
	a.RecordAPICall()
	a.RecordDispatchError()

	a.Reset()

	snap := a.GetStats()
	if snap.TotalOperations != 0 || snap.TotalBatches != 0 || snap.TotalAPICalls != 0 ||
		snap.EnqueuedOperations != 0 || snap.DispatchErrors != 0 || snap.DistinctTargets != 0 {
		t.Errorf("expected zeroed counters after reset, got %+v", snap)
	}
	if fw.resets != 1 {
		t.Errorf("expected window reset to propagate, got %d", fw.resets)
	}
}

func TestHandler_GetReturnsSnapshot(t *testing.T) {
	a := New(&fakeWindow{current: 50 * time.Millisecond, avg: 50})
	a.RecordBatch("sheet-1", 10)
	a.RecordAPICall()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected json content-type, got %q", ct)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ReductionPercentage != 0.9 || snap.CurrentWindowMs != 50 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestHandler_DeleteResets(t *testing.T) {
	a := New(nil)
	a.RecordBatch("sheet-1", 10)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/stats", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if snap := a.GetStats(); snap.TotalBatches != 0 {
		t.Errorf("expected counters reset, got %+v", snap)
	}
}

func TestHandler_RejectsOtherMethods(t *testing.T) {
	rec := httptest.NewRecorder()
	New(nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

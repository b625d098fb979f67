package circuit

import (
	"testing"
	"time"
)

func TestRegistry_TripsAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(Config{MaxFailures: 3, ResetTimeout: time.Minute})

	r.RecordOutcome("sheet-1", false)
	r.RecordOutcome("sheet-1", false)
	if r.IsOpen("sheet-1") {
		t.Fatal("circuit opened before the failure threshold")
	}
	r.RecordOutcome("sheet-1", false)
	if !r.IsOpen("sheet-1") {
		t.Fatal("circuit did not open at the failure threshold")
	}
	if got := r.State("sheet-1"); got != StateOpen {
		t.Errorf("expected open state, got %s", got)
	}
}

func TestRegistry_SuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry(Config{MaxFailures: 3, ResetTimeout: time.Minute})

	r.RecordOutcome("sheet-1", false)
	r.RecordOutcome("sheet-1", false)
	r.RecordOutcome("sheet-1", true)
	r.RecordOutcome("sheet-1", false)
	r.RecordOutcome("sheet-1", false)

	if r.IsOpen("sheet-1") {
		t.Error("non-consecutive failures must not trip the circuit")
	}
}

func TestRegistry_OpenRejectsUntilResetTimeout(t *testing.T) {
	r := NewRegistry(Config{MaxFailures: 1, ResetTimeout: time.Minute})
	r.RecordOutcome("sheet-1", false)

	for i := 0; i < 3; i++ {
		if !r.IsOpen("sheet-1") {
			t.Fatal("expected circuit to stay open before the reset timeout")
		}
	}
}

func TestRegistry_HalfOpenProbeSuccessCloses(t *testing.T) {
	r := NewRegistry(Config{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond})
	r.RecordOutcome("sheet-1", false)
	time.Sleep(30 * time.Millisecond)

	// Past the reset timeout a single probe is let through.
	if r.IsOpen("sheet-1") {
		t.Fatal("expected probe to be allowed after reset timeout")
	}
	if got := r.State("sheet-1"); got != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", got)
	}

	r.RecordOutcome("sheet-1", true)
	if got := r.State("sheet-1"); got != StateClosed {
		t.Errorf("expected probe success to close the circuit, got %s", got)
	}
	if r.IsOpen("sheet-1") {
		t.Error("closed circuit must admit dispatches")
	}
}

func TestRegistry_HalfOpenProbeFailureReopens(t *testing.T) {
	r := NewRegistry(Config{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond})
	r.RecordOutcome("sheet-1", false)
	time.Sleep(30 * time.Millisecond)

	if r.IsOpen("sheet-1") {
		t.Fatal("expected probe to be allowed after reset timeout")
	}
	r.RecordOutcome("sheet-1", false)

	if got := r.State("sheet-1"); got != StateOpen {
		t.Errorf("expected probe failure to reopen the circuit, got %s", got)
	}
	if !r.IsOpen("sheet-1") {
		t.Error("reopened circuit must reject dispatches")
	}
}

func TestRegistry_DisabledNeverOpens(t *testing.T) {
	r := NewRegistry(Config{MaxFailures: -1})

	for i := 0; i < 100; i++ {
		r.RecordOutcome("sheet-1", false)
	}
	if r.IsOpen("sheet-1") {
		t.Error("disabled breaker must never open")
	}
}

func TestRegistry_TargetsAreIndependent(t *testing.T) {
	r := NewRegistry(Config{MaxFailures: 1, ResetTimeout: time.Minute})

	r.RecordOutcome("sheet-1", false)
	if !r.IsOpen("sheet-1") {
		t.Fatal("expected sheet-1 circuit to open")
	}
	if r.IsOpen("sheet-2") {
		t.Error("sheet-2 circuit must be unaffected by sheet-1 failures")
	}
	if got := r.State("sheet-2"); got != StateClosed {
		t.Errorf("expected sheet-2 closed, got %s", got)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d): expected %q, got %q", state, want, got)
		}
	}
}

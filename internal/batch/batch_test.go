package batch

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSink_ResolvesOnce(t *testing.T) {
	s := NewSink()
	s.Resolve(Outcome{Payload: json.RawMessage(`"first"`)})
	s.Resolve(Outcome{Payload: json.RawMessage(`"second"`)})

	got := <-s.Done()
	if string(got.Payload) != `"first"` {
		t.Errorf("expected first resolution to win, got %s", got.Payload)
	}

	select {
	case extra := <-s.Done():
		t.Errorf("unexpected second outcome: %+v", extra)
	default:
	}
}

func TestSink_DoesNotBlockResolver(t *testing.T) {
	s := NewSink()
	done := make(chan struct{})
	go func() {
		s.Resolve(Outcome{Err: errors.New("boom")})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Resolve blocked without a waiter")
	}
}

func TestBatch_PayloadsPreserveOrder(t *testing.T) {
	b := &Batch{
		Target: "sheet-1",
		Operations: []*Operation{
			{ID: "a", Payload: json.RawMessage(`1`), Sink: NewSink()},
			{ID: "b", Payload: json.RawMessage(`2`), Sink: NewSink()},
			{ID: "c", Payload: json.RawMessage(`3`), Sink: NewSink()},
		},
	}
	payloads := b.Payloads()
	if len(payloads) != 3 {
		t.Fatalf("expected 3 payloads, got %d", len(payloads))
	}
	for i, want := range []string{`1`, `2`, `3`} {
		if string(payloads[i]) != want {
			t.Errorf("payload %d: expected %s, got %s", i, want, payloads[i])
		}
	}
}

func TestBatch_FailResolvesEveryOperation(t *testing.T) {
	b := &Batch{
		Target: "sheet-1",
		Operations: []*Operation{
			{ID: "a", Sink: NewSink()},
			{ID: "b", Sink: NewSink()},
		},
	}
	failure := errors.New("downstream unavailable")
	b.Fail(failure)

	for _, op := range b.Operations {
		outcome := <-op.Sink.Done()
		if !errors.Is(outcome.Err, failure) {
			t.Errorf("operation %s: expected failure, got %+v", op.ID, outcome)
		}
	}
}

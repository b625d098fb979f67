// Package batch holds the data model shared by the scheduler and the
// dispatch executor: operations, their completion sinks, and the immutable
// batch snapshots handed downstream.
package batch

import (
	"encoding/json"
	"sync"
	"time"
)

// Outcome is the terminal result of a single operation: a success payload
// or a classified failure. Exactly one of Payload/Err is meaningful.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// Sink is a single-assignment completion handle. It is fulfilled exactly
// once; later resolutions are ignored. Ownership of the outcome transfers
// to whoever waits on Done.
type Sink struct {
	once sync.Once
	ch   chan Outcome
}

// NewSink creates an unresolved sink.
func NewSink() *Sink {
	return &Sink{ch: make(chan Outcome, 1)}
}

// Resolve fulfills the sink. Only the first call has effect.
func (s *Sink) Resolve(o Outcome) {
	s.once.Do(func() { s.ch <- o })
}

// Done returns the channel the outcome is delivered on.
func (s *Sink) Done() <-chan Outcome {
	return s.ch
}

// Operation is a single pending remote-API call awaiting a batch flush.
// It is owned exclusively by its queue until dispatched.
type Operation struct {
	ID         string
	Target     string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	Sink       *Sink
}

// Batch is an immutable snapshot of a queue's pending operations, produced
// by atomically swapping the pending slice for an empty one. Insertion
// order is preserved.
type Batch struct {
	Target     string
	Operations []*Operation
	ClosedAt   time.Time
}

// Size returns the number of operations in the batch.
func (b *Batch) Size() int {
	return len(b.Operations)
}

// Payloads returns the operation payloads in insertion order.
func (b *Batch) Payloads() []json.RawMessage {
	payloads := make([]json.RawMessage, len(b.Operations))
	for i, op := range b.Operations {
		payloads[i] = op.Payload
	}
	return payloads
}

// Fail resolves every operation in the batch with the given error.
func (b *Batch) Fail(err error) {
	for _, op := range b.Operations {
		op.Sink.Resolve(Outcome{Err: err})
	}
}

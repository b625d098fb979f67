package dispatch

import (
	"context"
	"encoding/json"
)

// Result is the downstream response for one batch. It is a closed variant:
// exactly one of Combined or Items is populated.
//
// Combined carries one response payload per operation, in input order.
// Items enumerates explicit per-index outcomes when the backend reports a
// mix of successes and failures.
type Result struct {
	Combined []json.RawMessage
	Items    []ItemResult
}

// ItemResult is the outcome of a single operation inside a partial result.
type ItemResult struct {
	Index   int
	Payload json.RawMessage
	Err     string
}

// Dispatcher is the downstream collaborator that sends one physical call
// covering the whole batch. Positional correspondence with the input
// payloads must be preserved.
type Dispatcher interface {
	Send(ctx context.Context, target string, payloads []json.RawMessage) (*Result, error)
}

// Breaker gates dispatch per target and is told every batch outcome.
type Breaker interface {
	IsOpen(target string) bool
	RecordOutcome(target string, success bool)
}

// StatsRecorder receives dispatch accounting. One API call is recorded per
// successfully dispatched batch; that is the basis of the reduction metric.
type StatsRecorder interface {
	RecordBatch(target string, size int)
	RecordAPICall()
	RecordDispatchError()
}

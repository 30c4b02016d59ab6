package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies which execution-plane entry point a task targets.
type Kind string

const (
	KindWorker     Kind = "worker"
	KindPoller     Kind = "poller"
	KindAggregator Kind = "aggregator"
)

// Task is the unit-of-work envelope. Delivery is at-least-once and
// fire-and-forget: no caller depends on the handler's result for
// correctness, and duplicates are absorbed by status-gated handlers.
type Task struct {
	Kind  Kind   `json:"kind"`
	JobID string `json:"job_id"`
}

// Encode serializes the task for transport.
func (t Task) Encode() json.RawMessage {
	b, _ := json.Marshal(t)
	return b
}

// DecodeTask parses a transported task envelope.
func DecodeTask(body []byte) (Task, error) {
	var t Task
	err := json.Unmarshal(body, &t)
	return t, err
}

// Handler processes one delivered task.
type Handler func(ctx context.Context, task Task) error

// Invoker dispatches tasks to the execution plane without awaiting them.
// A dispatch failure is reported as domain.ErrDispatchUnavailable, which
// callers treat as non-fatal: the watchdog re-invokes stalled work.
type Invoker interface {
	Invoke(ctx context.Context, task Task) error
	// InvokeAfter schedules the task after a delay. Pollers use this to
	// reschedule their own next run.
	InvokeAfter(ctx context.Context, task Task, delay time.Duration) error
}

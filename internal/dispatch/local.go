package dispatch

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Invoker backed by a FIFO queue. It serves two roles:
// the execution plane in single-binary development mode (Start), and a
// deterministic harness in tests (Drain + SetDropFilter to simulate lost
// dispatches).
type Local struct {
	mu      sync.Mutex
	queue   []Task
	handler Handler
	drop    func(Task) bool
	started bool
	wake    chan struct{}
}

// NewLocal creates an idle Local invoker. SetHandler must be called before
// tasks are executed.
func NewLocal() *Local {
	return &Local{wake: make(chan struct{}, 1)}
}

// SetHandler installs the task handler.
func (l *Local) SetHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// SetDropFilter installs a predicate; tasks it matches are silently lost in
// transit. Test hook for simulating dispatch failures.
func (l *Local) SetDropFilter(f func(Task) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drop = f
}

// Invoke enqueues the task. Fire-and-forget: the caller never learns whether
// the task ultimately ran.
func (l *Local) Invoke(ctx context.Context, task Task) error {
	l.mu.Lock()
	if l.drop != nil && l.drop(task) {
		l.mu.Unlock()
		return nil
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// InvokeAfter enqueues the task after delay when running live. When not
// started (tests), the delay is elided and the task is enqueued immediately
// so Drain stays deterministic.
func (l *Local) InvokeAfter(ctx context.Context, task Task, delay time.Duration) error {
	l.mu.Lock()
	live := l.started
	l.mu.Unlock()
	if live && delay > 0 {
		time.AfterFunc(delay, func() { _ = l.Invoke(context.Background(), task) })
		return nil
	}
	return l.Invoke(ctx, task)
}

// Start consumes the queue until ctx is done.
func (l *Local) Start(ctx context.Context) {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	for {
		if task, ok := l.pop(); ok {
			l.handle(ctx, task)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// Drain synchronously processes every queued task, including tasks enqueued
// by the tasks it runs, and returns when the queue is empty.
func (l *Local) Drain(ctx context.Context) error {
	for {
		task, ok := l.pop()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		l.handle(ctx, task)
	}
}

// Pending returns the number of queued tasks.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Local) pop() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Task{}, false
	}
	task := l.queue[0]
	l.queue = l.queue[1:]
	return task, true
}

func (l *Local) handle(ctx context.Context, task Task) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		_ = h(ctx, task)
	}
}

var _ Invoker = (*Local)(nil)

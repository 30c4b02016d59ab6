package dispatch

import (
	"context"
	"testing"
)

func TestDrainRunsQueuedAndChainedTasks(t *testing.T) {
	l := NewLocal()
	var ran []string
	l.SetHandler(func(ctx context.Context, task Task) error {
		ran = append(ran, task.JobID)
		// Handlers may enqueue follow-up work; Drain must run it too.
		if task.JobID == "a" {
			return l.Invoke(ctx, Task{Kind: KindWorker, JobID: "a2"})
		}
		return nil
	})

	ctx := context.Background()
	if err := l.Invoke(ctx, Task{Kind: KindWorker, JobID: "a"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if err := l.Invoke(ctx, Task{Kind: KindWorker, JobID: "b"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if err := l.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	want := []string{"a", "b", "a2"}
	if len(ran) != len(want) {
		t.Fatalf("ran %v, want %v", ran, want)
	}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("ran %v, want %v", ran, want)
		}
	}
	if l.Pending() != 0 {
		t.Fatalf("Pending() = %d after Drain, want 0", l.Pending())
	}
}

func TestDropFilterLosesTasksSilently(t *testing.T) {
	l := NewLocal()
	var ran int
	l.SetHandler(func(context.Context, Task) error {
		ran++
		return nil
	})
	l.SetDropFilter(func(task Task) bool { return task.Kind == KindWorker })

	ctx := context.Background()
	if err := l.Invoke(ctx, Task{Kind: KindWorker, JobID: "lost"}); err != nil {
		t.Fatalf("Invoke must not surface the drop: %v", err)
	}
	if err := l.Invoke(ctx, Task{Kind: KindPoller, JobID: "kept"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if err := l.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if ran != 1 {
		t.Fatalf("handler ran %d times, want 1", ran)
	}
}

func TestInvokeAfterIsImmediateWhenNotStarted(t *testing.T) {
	l := NewLocal()
	l.SetHandler(func(context.Context, Task) error { return nil })
	if err := l.InvokeAfter(context.Background(), Task{Kind: KindPoller, JobID: "p"}, 0); err != nil {
		t.Fatalf("InvokeAfter: %v", err)
	}
	if l.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", l.Pending())
	}
}

func TestTaskEnvelopeRoundTrip(t *testing.T) {
	task := Task{Kind: KindAggregator, JobID: "parent-1"}
	decoded, err := DecodeTask(task.Encode())
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if decoded != task {
		t.Fatalf("decoded %+v, want %+v", decoded, task)
	}
	if _, err := DecodeTask([]byte("not json")); err == nil {
		t.Fatal("DecodeTask should reject a malformed envelope")
	}
}

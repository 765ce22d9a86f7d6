package backend

import (
	"context"
	"testing"
	"time"

	"github.com/nexusml/nexus/internal/wire"
)

func newTestPool(t *testing.T) (*Pool, *InstanceTable, context.CancelFunc) {
	t.Helper()
	instances := NewInstanceTable()
	ge := NewGPUExecutor(EchoAdapter{}, nil, 5*time.Millisecond)
	pool := NewPool(2, EchoAdapter{}, instances, ge)
	ge.out = pool.Queue()

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	go ge.Run(ctx)
	return pool, instances, cancel
}

func TestPreprocessRejectsUnloadedSession(t *testing.T) {
	pool, _, cancel := newTestPool(t)
	defer cancel()

	reply := make(chan Result, 1)
	pool.Queue().Push(&Task{
		QueryID:        "q1",
		ModelSessionID: "unloaded",
		Input:          []byte("x"),
		State:          StatePreprocess,
		Arrival:        time.Now(),
		Deadline:       time.Now().Add(time.Second),
		Reply:          reply,
	})

	select {
	case res := <-reply:
		if res.Status != wire.StatusModelSessionNotLoaded {
			t.Fatalf("expected MODEL_SESSION_NOT_LOADED, got %v", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not complete")
	}
}

func TestPipelineRoundTripsThroughGPUExecutor(t *testing.T) {
	pool, instances, cancel := newTestPool(t)
	defer cancel()

	instances.Load("sess-1", 4)

	reply := make(chan Result, 1)
	pool.Queue().Push(&Task{
		QueryID:        "q1",
		ModelSessionID: "sess-1",
		Input:          []byte("hello"),
		State:          StatePreprocess,
		Arrival:        time.Now(),
		Deadline:       time.Now().Add(time.Second),
		Reply:          reply,
	})

	select {
	case res := <-reply:
		if res.Status != wire.StatusOK {
			t.Fatalf("expected OK, got %v", res.Status)
		}
		if string(res.Output) != "hello" {
			t.Fatalf("expected echoed output, got %q", res.Output)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not complete")
	}

	if got := instances.Snapshot()["sess-1"]; got != 1 {
		t.Fatalf("expected input counter 1, got %d", got)
	}
}

func TestExecutorFlushesByDeadlineWithoutFullBatch(t *testing.T) {
	pool, instances, cancel := newTestPool(t)
	defer cancel()
	instances.Load("sess-2", 8) // batch size larger than the single task submitted

	reply := make(chan Result, 1)
	pool.Queue().Push(&Task{
		QueryID:        "q-deadline",
		ModelSessionID: "sess-2",
		Input:          []byte("partial"),
		State:          StatePreprocess,
		Arrival:        time.Now(),
		Deadline:       time.Now().Add(time.Second),
		Reply:          reply,
	})

	select {
	case res := <-reply:
		if res.Status != wire.StatusOK {
			t.Fatalf("expected batch-deadline flush to still complete the task, got %v", res.Status)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("batch deadline flush never fired")
	}
}

package backend

import (
	"context"
	"testing"
	"time"

	"github.com/nexusml/nexus/internal/wire"
)

// countingAdapter records the batch sizes it was asked to forward.
type countingAdapter struct {
	batches chan int
}

func (a *countingAdapter) Preprocess(_ string, input []byte) (any, error) { return input, nil }
func (a *countingAdapter) Forward(_ string, batch []any) ([]any, error) {
	a.batches <- len(batch)
	out := make([]any, len(batch))
	copy(out, batch)
	return out, nil
}
func (a *countingAdapter) Postprocess(_ string, result any) ([]byte, error) {
	b, _ := result.([]byte)
	return b, nil
}

func TestExecutorFlushesAssoonAsBatchSizeReached(t *testing.T) {
	adapter := &countingAdapter{batches: make(chan int, 4)}
	out := NewTaskQueue()
	ge := NewGPUExecutor(adapter, out, time.Hour) // deadline far in the future: only size should trigger flush

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ge.Run(ctx)

	for i := 0; i < 3; i++ {
		ge.Submit(&Task{QueryID: "t", ModelSessionID: "s", State: StatePreprocess, prepared: []byte("x")}, 3)
	}

	select {
	case n := <-adapter.batches:
		if n != 3 {
			t.Fatalf("expected a batch of 3, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("executor never flushed a full batch")
	}

	for i := 0; i < 3; i++ {
		tk := out.Pop(time.Second)
		if tk == nil || tk.Status != wire.StatusOK {
			t.Fatalf("expected postprocess-ready task, got %+v", tk)
		}
	}
}

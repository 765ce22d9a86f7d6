package backend

import (
	"context"
	"time"

	"github.com/nexusml/nexus/internal/metrics"
	"github.com/nexusml/nexus/internal/wire"
)

// buffer accumulates tasks for one model instance between batch flushes.
type buffer struct {
	tasks   []*Task
	batch   int
	opened  time.Time
}

// GPUExecutor is the single-threaded batching stage (spec.md §4.9 step 3):
// it owns the per-model-instance buffers exclusively from its own Run
// goroutine, batches up to the planner-chosen size or a per-batch
// deadline, invokes the framework forward pass, and hands tasks back to
// the worker pool queue for postprocessing.
type GPUExecutor struct {
	adapter       Adapter
	out           *TaskQueue
	inbox         chan *Task
	batchDeadline time.Duration

	buffers map[string]*buffer
}

// NewGPUExecutor constructs a GE that requeues finished tasks onto out.
func NewGPUExecutor(adapter Adapter, out *TaskQueue, batchDeadline time.Duration) *GPUExecutor {
	return &GPUExecutor{
		adapter:       adapter,
		out:           out,
		inbox:         make(chan *Task, 256),
		batchDeadline: batchDeadline,
		buffers:       map[string]*buffer{},
	}
}

// Submit hands a preprocessed task to the GE. Safe to call from any
// worker pool thread.
func (ge *GPUExecutor) Submit(t *Task, batchSize int) {
	t.batchHint = batchSize
	ge.inbox <- t
}

// Run drives the GE loop until ctx is canceled. All buffer mutation
// happens on this goroutine only.
func (ge *GPUExecutor) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ge.inbox:
			ge.enqueue(t)
		case <-ticker.C:
			ge.flushExpired()
		}
	}
}

func (ge *GPUExecutor) enqueue(t *Task) {
	buf := ge.buffers[t.ModelSessionID]
	if buf == nil {
		buf = &buffer{batch: t.batchHint, opened: time.Now()}
		ge.buffers[t.ModelSessionID] = buf
	}
	if len(buf.tasks) == 0 {
		buf.opened = time.Now()
	}
	buf.tasks = append(buf.tasks, t)
	if buf.batch < 1 {
		buf.batch = 1
	}
	if len(buf.tasks) >= buf.batch {
		ge.flush(t.ModelSessionID, buf)
	}
}

func (ge *GPUExecutor) flushExpired() {
	now := time.Now()
	for sessionID, buf := range ge.buffers {
		if len(buf.tasks) > 0 && now.Sub(buf.opened) >= ge.batchDeadline {
			ge.flush(sessionID, buf)
		}
	}
}

func (ge *GPUExecutor) flush(sessionID string, buf *buffer) {
	tasks := buf.tasks
	buf.tasks = nil
	metrics.ObserveBatchSize(sessionID, len(tasks))

	now := time.Now()
	prepared := make([]any, len(tasks))
	for i, t := range tasks {
		t.Exec = now
		prepared[i] = t.prepared
	}

	results, err := ge.adapter.Forward(sessionID, prepared)
	for i, t := range tasks {
		if err != nil {
			t.Status = wire.StatusExecutionError
		} else {
			t.result = results[i]
			t.Status = wire.StatusOK
		}
		t.State = StatePostprocess
		ge.out.Push(t)
	}
}

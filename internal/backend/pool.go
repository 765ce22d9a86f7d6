package backend

import (
	"context"
	"sync"
	"time"

	"github.com/nexusml/nexus/internal/metrics"
	"github.com/nexusml/nexus/internal/wire"
)

// pollTimeout is the worker dequeue timeout (spec.md §4.9 step 1).
const pollTimeout = 50 * time.Millisecond

// Pool is the N-thread worker pool driving tasks through preprocess, GE
// handoff, and postprocess (spec.md §4.9).
type Pool struct {
	queue     *TaskQueue
	ge        *GPUExecutor
	adapter   Adapter
	instances *InstanceTable
	numWorkers int
}

// NewPool constructs a worker pool of numWorkers threads.
func NewPool(numWorkers int, adapter Adapter, instances *InstanceTable, ge *GPUExecutor) *Pool {
	return &Pool{
		queue:      NewTaskQueue(),
		ge:         ge,
		adapter:    adapter,
		instances:  instances,
		numWorkers: numWorkers,
	}
}

// Queue exposes the pool's priority queue so the data-plane listener can
// submit newly-arrived tasks and the GE can return them for postprocess.
func (p *Pool) Queue() *TaskQueue { return p.queue }

// Run blocks, running numWorkers worker loops until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for ctx.Err() == nil {
		t := p.queue.Pop(pollTimeout)
		if t == nil {
			continue
		}
		switch t.State {
		case StatePreprocess:
			p.preprocess(t)
		case StatePostprocess:
			p.postprocess(t)
		}
	}
}

func (p *Pool) preprocess(t *Task) {
	batchSize, ok := p.instances.Get(t.ModelSessionID)
	if !ok {
		t.Status = wire.StatusModelSessionNotLoaded
		p.reply(t)
		return
	}
	window := t.WindowSize
	if window < 1 {
		window = 1
	}
	p.instances.IncrementInputs(t.ModelSessionID, window)

	prepared, err := p.adapter.Preprocess(t.ModelSessionID, t.Input)
	if err != nil {
		t.Status = wire.StatusExecutionError
		metrics.RecordTaskOutcome("preprocess_error")
		p.reply(t)
		return
	}
	t.prepared = prepared
	metrics.SetQueueDepth(t.ModelSessionID, p.queue.Len())
	p.ge.Submit(t, batchSize)
}

func (p *Pool) postprocess(t *Task) {
	if t.Status != wire.StatusOK {
		metrics.RecordTaskOutcome("execution_error")
		p.reply(t)
		return
	}
	out, err := p.adapter.Postprocess(t.ModelSessionID, t.result)
	if err != nil {
		t.Status = wire.StatusExecutionError
		metrics.RecordTaskOutcome("postprocess_error")
		p.reply(t)
		return
	}
	t.Output = out
	metrics.RecordTaskOutcome("ok")
	p.reply(t)
}

// reply computes spec.md §4.9's timing marks and delivers the result to
// the task's submitting connection.
func (p *Pool) reply(t *Task) {
	end := time.Now()
	exec := t.Exec
	if exec.IsZero() {
		exec = end
	}
	res := Result{
		QueryID:        t.QueryID,
		ModelSessionID: t.ModelSessionID,
		Status:         t.Status,
		LatencyUs:      end.Sub(t.Arrival).Microseconds(),
		QueuingUs:      exec.Sub(t.Arrival).Microseconds(),
		Output:         t.Output,
	}
	metrics.ObserveTaskLatencyUs(t.ModelSessionID, res.LatencyUs)
	if t.Reply != nil {
		select {
		case t.Reply <- res:
		default:
		}
	}
}

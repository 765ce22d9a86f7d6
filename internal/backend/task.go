// Package backend implements the backend node's worker pool and GPU
// executor pipeline (spec.md §4.9): N preprocess/postprocess worker
// threads feeding a single-threaded batching GPU executor, plus the
// scheduler control connection and data-plane query listener that drive
// it.
package backend

import (
	"time"

	"github.com/nexusml/nexus/internal/wire"
)

// TaskState is a task's position in the worker/GE pipeline (spec.md §4.9).
type TaskState int

const (
	StatePreprocess TaskState = iota
	StatePostprocess
)

// Task carries one inference query through preprocess, GE batching, and
// postprocess. It is owned exclusively by whichever component currently
// holds it; handoff between the worker pool and the GPU executor passes the
// *Task pointer through channels/queues, and the sender does not touch it
// afterwards.
type Task struct {
	QueryID        string
	ModelSessionID string
	WindowSize     int
	Input          []byte

	State    TaskState
	Status   wire.Status
	Output   []byte
	prepared  any
	result    any
	batchHint int

	Arrival time.Time
	Deadline time.Time
	Exec     time.Time

	// index is maintained by container/heap; not for external use.
	index int

	// Reply delivers the finished InferenceReply back to the connection
	// that submitted the query.
	Reply chan<- Result
}

// Result is what a finished task hands back to its submitting connection.
type Result struct {
	QueryID        string
	ModelSessionID string
	Status         wire.Status
	LatencyUs      int64
	QueuingUs      int64
	Output         []byte
}

// taskHeap orders tasks by (deadline ascending, arrival ascending), per
// spec.md §4.9's worker dequeue priority.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].Deadline.Equal(h[j].Deadline) {
		return h[i].Deadline.Before(h[j].Deadline)
	}
	return h[i].Arrival.Before(h[j].Arrival)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

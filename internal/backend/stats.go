package backend

import (
	"sync"
	"time"

	"github.com/nexusml/nexus/internal/wire"
)

// statSource derives per-session UpdateBackendStats samples (spec.md §6)
// from InstanceTable input-counter deltas sampled once per beacon tick.
type statSource struct {
	mu        sync.Mutex
	instances *InstanceTable
	pool      *Pool
	last      map[string]int64
	lastAt    time.Time
}

func newStatSource(instances *InstanceTable, pool *Pool) *statSource {
	return &statSource{instances: instances, pool: pool, last: map[string]int64{}, lastAt: time.Now()}
}

// Samples computes the RPS delta since the previous call for every
// currently-loaded session, tagging each with the shared worker pool
// queue depth.
func (s *statSource) Samples() []wire.SessionStatSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastAt).Seconds()
	s.lastAt = now
	if elapsed <= 0 {
		elapsed = 1
	}

	snap := s.instances.Snapshot()
	qDepth := s.pool.Queue().Len()
	samples := make([]wire.SessionStatSample, 0, len(snap))
	for sessionID, count := range snap {
		prev := s.last[sessionID]
		s.last[sessionID] = count
		rps := float64(count-prev) / elapsed
		if rps < 0 {
			rps = 0
		}
		samples = append(samples, wire.SessionStatSample{
			SessionID: sessionID,
			RPS:       rps,
			QueueLen:  qDepth,
		})
	}
	return samples
}

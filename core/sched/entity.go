package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"example.com/npu-sched/core/fence"
	"example.com/npu-sched/core/job"
	"example.com/npu-sched/core/resv"
)

// Entity is a submission context spread over a set of cores. Each job goes to
// the first idle core in round-robin order, or to the least loaded one.
type Entity struct {
	cores []*Core

	mu   sync.Mutex
	next int
}

func NewEntity(cores []*Core) *Entity {
	if len(cores) == 0 {
		panic("entity without cores")
	}
	return &Entity{cores: cores}
}

// Push queues j once every fence in deps signaled. The entity takes its own
// reference on j. If a data dependency failed, j fails with ErrDependency
// without running.
func (e *Entity) Push(j *job.Job, deps []resv.Dep) {
	j.Get()
	j.SetState(job.AwaitingDependencies)
	w := &depWait{e: e, j: j}
	w.n.Store(int32(len(deps)) + 1)
	for _, d := range deps {
		cb := w.ordered
		if d.Data {
			cb = w.signaled
		}
		if !d.Fence.AddCallback(cb) {
			cb(d.Fence)
		}
	}
	w.signaled(nil)
}

func (e *Entity) selectCore() *Core {
	e.mu.Lock()
	defer e.mu.Unlock()
	var best *Core
	var bestIdx, bestLoad int
	for i := range e.cores {
		k := (e.next + i) % len(e.cores)
		c := e.cores[k]
		l := c.Load()
		if best == nil || l < bestLoad {
			best, bestIdx, bestLoad = c, k, l
		}
		if l == 0 {
			break
		}
	}
	e.next = (bestIdx + 1) % len(e.cores)
	return best
}

type depWait struct {
	e *Entity
	j *job.Job
	n atomic.Int32

	mu  sync.Mutex
	err error
}

func (w *depWait) signaled(f *fence.Fence) {
	if f != nil {
		if err := f.Err(); err != nil {
			w.mu.Lock()
			if w.err == nil {
				w.err = fmt.Errorf("%w: %s: %w", ErrDependency, f, err)
			}
			w.mu.Unlock()
		}
	}
	w.ordered(nil)
}

// ordered counts off a dependency whose outcome does not matter.
func (w *depWait) ordered(*fence.Fence) {
	if w.n.Add(-1) != 0 {
		return
	}
	c := w.e.selectCore()
	w.mu.Lock()
	err := w.err
	w.mu.Unlock()
	if err != nil {
		c.retire(w.j, err)
		return
	}
	c.enqueue(w.j)
}

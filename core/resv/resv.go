// Package resv tracks, per buffer, the fences of the jobs that last touched
// it and derives the wait set of new jobs from them.
package resv

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"example.com/npu-sched/core/fence"
)

var nextID atomic.Uint64

// An Object is the fence history attached to one buffer: the most recent
// writer and the readers since that writer.
type Object struct {
	id uint64

	mu      sync.Mutex
	writer  *fence.Fence
	readers []*fence.Fence
}

func NewObject() *Object {
	return &Object{id: nextID.Add(1)}
}

// ID is unique per process and defines the lock order between objects.
func (o *Object) ID() uint64 { return o.id }

// Fences returns the unsignaled fences an access must wait for: the writer
// for reads, the writer and all readers for writes.
func (o *Object) Fences(write bool) []*fence.Fence {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fencesLocked(write, nil)
}

func (o *Object) fencesLocked(write bool, fs []*fence.Fence) []*fence.Fence {
	if o.writer != nil && !o.writer.IsSignaled() {
		fs = appendUnique(fs, o.writer)
	}
	if write {
		for _, r := range o.readers {
			if !r.IsSignaled() {
				fs = appendUnique(fs, r)
			}
		}
	}
	return fs
}

// Wait blocks until every fence returned by Fences(write) is signaled or
// timeout elapses. Errors of the fences themselves are not reported.
func (o *Object) Wait(write bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, f := range o.Fences(write) {
		err := f.Wait(time.Until(deadline))
		if errors.Is(err, fence.ErrTimeout) {
			return err
		}
	}
	return nil
}

// Idle reports whether no unsignaled fence guards an access.
func (o *Object) Idle(write bool) bool {
	return len(o.Fences(write)) == 0
}

// A Dep is one fence of a wait set. Data marks a read-after-write hazard: the
// job consumes what the fence's job produced, so its failure is inherited.
// Other deps only order the job.
type Dep struct {
	Fence *fence.Fence
	Data  bool
}

func (d Dep) String() string { return d.Fence.String() }

func appendUnique(fs []*fence.Fence, f *fence.Fence) []*fence.Fence {
	if slices.Contains(fs, f) {
		return fs
	}
	return append(fs, f)
}

func appendDep(deps []Dep, f *fence.Fence, data bool) []Dep {
	for i := range deps {
		if deps[i].Fence == f {
			deps[i].Data = deps[i].Data || data
			return deps
		}
	}
	return append(deps, Dep{Fence: f, Data: data})
}

// depsLocked adds the wait set of an access to o. The writer of read data
// stays a dep after failing; ordering deps are dropped once signaled.
func (o *Object) depsLocked(read, write bool, deps []Dep) []Dep {
	if w := o.writer; w != nil {
		switch {
		case read && w.State() != fence.Signaled:
			deps = appendDep(deps, w, true)
		case !w.IsSignaled():
			deps = appendDep(deps, w, false)
		}
	}
	if write {
		for _, r := range o.readers {
			if !r.IsSignaled() {
				deps = appendDep(deps, r, false)
			}
		}
	}
	return deps
}

func cmpID(a, b *Object) int { return cmp.Compare(a.id, b.id) }

func dedupe(objs []*Object) []*Object {
	r := slices.Clone(objs)
	slices.SortFunc(r, cmpID)
	return slices.CompactFunc(r, func(a, b *Object) bool { return a == b })
}

// LockAll locks all objects in ascending ID order, so that callers locking
// overlapping sets can never deadlock. The returned function unlocks them.
func LockAll(objs []*Object) (unlock func()) {
	sorted := dedupe(objs)
	for _, o := range sorted {
		o.mu.Lock()
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			sorted[i].mu.Unlock()
		}
	}
}

// Attach computes the wait set of an access reading in and writing out, then
// publishes f as the new reader or writer fence. Both steps happen while all
// objects are locked, so concurrent attachments to overlapping buffers are
// totally ordered. An object listed in both sets is treated as written, and
// its writer is a data dep.
func Attach(in, out []*Object, f *fence.Fence) (deps []Dep) {
	all := make([]*Object, 0, len(in)+len(out))
	all = append(all, in...)
	all = append(all, out...)
	unlock := LockAll(all)
	defer unlock()
	return AttachLocked(in, out, f)
}

// AttachLocked is Attach for callers already holding LockAll over in and out.
func AttachLocked(in, out []*Object, f *fence.Fence) (deps []Dep) {
	written := dedupe(out)
	inputs := dedupe(in)
	isInput := func(o *Object) bool {
		_, found := slices.BinarySearchFunc(inputs, o, cmpID)
		return found
	}
	read := slices.DeleteFunc(slices.Clone(inputs), func(o *Object) bool {
		_, found := slices.BinarySearchFunc(written, o, cmpID)
		return found
	})

	for _, o := range read {
		deps = o.depsLocked(true, false, deps)
	}
	for _, o := range written {
		deps = o.depsLocked(isInput(o), true, deps)
	}

	for _, o := range read {
		o.readers = slices.DeleteFunc(o.readers, (*fence.Fence).IsSignaled)
		o.readers = append(o.readers, f)
	}
	for _, o := range written {
		o.writer = f
		o.readers = nil
	}
	return deps
}

// Package job defines client-submitted units of work: an ordered list of
// hardware tasks plus the buffers they read and write.
package job

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"example.com/npu-sched/core/fence"
	"example.com/npu-sched/core/resv"
	"example.com/npu-sched/driver/mem"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityKernel

	NumPriorities = int(PriorityKernel) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityKernel:
		return "kernel"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityKernel
}

// Task is one command buffer in device-visible memory.
type Task struct {
	RegCmd      uint64
	RegCmdCount uint32
	Reserved    uint32
}

type State int32

const (
	Created State = iota
	AwaitingDependencies
	Queued
	Dispatched
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case AwaitingDependencies:
		return "AWAITING_DEPENDENCIES"
	case Queued:
		return "QUEUED"
	case Dispatched:
		return "DISPATCHED"
	case Complete:
		return "COMPLETE"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) Terminal() bool { return s == Complete || s == Failed }

// Buffer is a reference-counted buffer a job holds for its lifetime.
type Buffer interface {
	Resv() *resv.Object
	Region() *mem.Region
	Put()
}

type Params struct {
	ID       uint64
	Tasks    []Task
	In, Out  []Buffer
	Priority Priority
	Domain   *mem.Domain
	// Release runs once the last reference is dropped, before the job gives
	// up its buffers.
	Release func(*Job)
}

type Job struct {
	id       uint64
	priority Priority
	tasks    []Task
	in, out  []Buffer
	domain   *mem.Domain
	release  func(*Job)

	// Done signals once all tasks completed, or with an error once the job
	// failed.
	Done      *fence.Fence
	Submitted time.Time

	cursor atomic.Int32
	state  atomic.Int32
	karma  atomic.Int32
	refs   atomic.Int32

	mu sync.Mutex
	hw *fence.Fence
}

// Validate checks a task list the way New does.
func Validate(tasks []Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: empty task list", ErrInvalidArgument)
	}
	for i, t := range tasks {
		if t.Reserved != 0 {
			return fmt.Errorf("%w: task %d: reserved field must be zero", ErrInvalidArgument, i)
		}
		if t.RegCmd > math.MaxUint32 {
			return fmt.Errorf("%w: task %d: command buffer at %#x not addressable", ErrInvalidArgument, i, t.RegCmd)
		}
		if t.RegCmdCount == 0 {
			return fmt.Errorf("%w: task %d: zero command count", ErrInvalidArgument, i)
		}
	}
	return nil
}

// New creates a job holding one reference, owned by the caller. Buffer
// references in p are transferred to the job, also on error.
func New(p Params) (*Job, error) {
	err := Validate(p.Tasks)
	if err == nil && !p.Priority.Valid() {
		err = fmt.Errorf("%w: priority %d", ErrInvalidArgument, int(p.Priority))
	}
	if err == nil && p.Domain == nil {
		err = fmt.Errorf("%w: no execution domain", ErrInvalidArgument)
	}
	if err != nil {
		putAll(p.In)
		putAll(p.Out)
		return nil, err
	}
	j := &Job{
		id:        p.ID,
		priority:  p.Priority,
		tasks:     append([]Task(nil), p.Tasks...),
		in:        p.In,
		out:       p.Out,
		domain:    p.Domain,
		release:   p.Release,
		Submitted: time.Now(),
	}
	j.refs.Store(1)
	return j, nil
}

func putAll(bs []Buffer) {
	for _, b := range bs {
		b.Put()
	}
}

// Arm creates the job's done fence on tl.
func (j *Job) Arm(tl *fence.Timeline) *fence.Fence {
	if j.Done != nil {
		panic("job already armed")
	}
	j.Done = fence.New(tl)
	return j.Done
}

func (j *Job) ID() uint64 { return j.id }

func (j *Job) Priority() Priority { return j.priority }

func (j *Job) Domain() *mem.Domain { return j.domain }

func (j *Job) In() []Buffer { return j.in }

func (j *Job) Out() []Buffer { return j.out }

func (j *Job) TaskCount() int { return len(j.tasks) }

// Cursor is the index of the next task to issue.
func (j *Job) Cursor() int { return int(j.cursor.Load()) }

// Remaining reports whether tasks are left to issue.
func (j *Job) Remaining() bool { return j.Cursor() < len(j.tasks) }

// NextTask returns the task at the cursor and advances the cursor. The caller
// must hold the job-state lock of the core the job is in flight on.
func (j *Job) NextTask() (t Task, idx int, ok bool) {
	idx = j.Cursor()
	if idx >= len(j.tasks) {
		return Task{}, idx, false
	}
	j.cursor.Store(int32(idx + 1))
	return j.tasks[idx], idx, true
}

func (j *Job) State() State { return State(j.state.Load()) }

// SetState moves the job to s. Terminal states are never left.
func (j *Job) SetState(s State) {
	for {
		old := j.state.Load()
		if State(old).Terminal() {
			return
		}
		if j.state.CompareAndSwap(old, int32(s)) {
			return
		}
	}
}

// Karma counts the timeouts the job caused.
func (j *Job) Karma() int { return int(j.karma.Load()) }

func (j *Job) IncKarma() int { return int(j.karma.Add(1)) }

// HWFence is the fence of the job's current hardware run.
func (j *Job) HWFence() *fence.Fence {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.hw
}

func (j *Job) SetHWFence(f *fence.Fence) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hw = f
}

func (j *Job) Get() {
	if j.refs.Add(1) <= 1 {
		panic("job reference acquired after release")
	}
}

// Put drops a reference. Dropping the last one runs the release hook and
// drops the job's buffer references.
func (j *Job) Put() {
	n := j.refs.Add(-1)
	if n < 0 {
		panic("inconsistent job reference count")
	}
	if n != 0 {
		return
	}
	if j.release != nil {
		j.release(j)
	}
	putAll(j.in)
	putAll(j.out)
	j.in, j.out = nil, nil
	j.mu.Lock()
	j.hw = nil
	j.mu.Unlock()
}

func (j *Job) Refs() int { return int(j.refs.Load()) }

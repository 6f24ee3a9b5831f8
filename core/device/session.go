package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/npu-sched/core/fence"
	"example.com/npu-sched/core/job"
	"example.com/npu-sched/core/resv"
	"example.com/npu-sched/core/sched"
	"example.com/npu-sched/driver/mem"
)

// Session is a client context: a buffer handle table, an execution domain
// and a scheduling entity spanning all cores of the device.
type Session struct {
	dev      *Device
	domain   *mem.Domain
	entity   *sched.Entity
	timeline *fence.Timeline

	mu      sync.Mutex
	handles map[Handle]*buffer
	next    Handle
	closed  bool
}

func (s *Session) Domain() *mem.Domain { return s.domain }

// CreateBuffer allocates size bytes mapped into the session's domain and
// returns the new handle and the buffer's device address.
func (s *Session) CreateBuffer(size int) (Handle, uint64, error) {
	d := s.dev
	r, err := d.alloc.Alloc(s.domain, size)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", job.ErrInvalidArgument, err)
	}
	d.alloc.SyncForDevice(r, mem.Bidirectional)
	b := &buffer{log: d.Log, obj: resv.NewObject(), region: r, alloc: d.alloc}
	b.refs.Store(1)
	deviceMetrics.buffers.Inc()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		b.Put()
		return 0, 0, ErrClosed
	}
	s.next++
	h := s.next
	s.handles[h] = b
	s.mu.Unlock()
	return h, r.Addr(), nil
}

// FreeBuffer drops the session's reference to a buffer. Jobs still using it
// keep it alive.
func (s *Session) FreeBuffer(h Handle) error {
	s.mu.Lock()
	b, ok := s.handles[h]
	delete(s.handles, h)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	b.Put()
	return nil
}

// lookup takes a reference on the buffer of every handle in hs.
func (s *Session) lookup(hs []Handle) ([]job.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	bs := make([]job.Buffer, 0, len(hs))
	for _, h := range hs {
		b, ok := s.handles[h]
		if !ok {
			for _, x := range bs {
				x.Put()
			}
			return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
		}
		b.get()
		bs = append(bs, b)
	}
	return bs, nil
}

// SubmitJob validates and queues a job reading the in buffers and writing the
// out buffers. The job runs once every earlier job it conflicts with on a
// buffer finished.
func (s *Session) SubmitJob(tasks []job.Task, in, out []Handle, prio job.Priority) (uint64, error) {
	id, err := s.submitJob(tasks, in, out, prio)
	if err != nil {
		deviceMetrics.rejected.Inc()
		return 0, err
	}
	deviceMetrics.submitted.Inc()
	return id, nil
}

func (s *Session) submitJob(tasks []job.Task, in, out []Handle, prio job.Priority) (uint64, error) {
	if err := job.Validate(tasks); err != nil {
		return 0, err
	}
	inBufs, err := s.lookup(in)
	if err != nil {
		return 0, err
	}
	outBufs, err := s.lookup(out)
	if err != nil {
		for _, b := range inBufs {
			b.Put()
		}
		return 0, err
	}
	d := s.dev
	j, err := job.New(job.Params{
		ID:       d.nextJob.Add(1),
		Tasks:    tasks,
		In:       inBufs,
		Out:      outBufs,
		Priority: prio,
		Domain:   s.domain,
	})
	if err != nil {
		return 0, err
	}
	defer j.Put()
	if err := d.push(s, j); err != nil {
		return 0, err
	}
	d.Log.Debug("job submitted", zap.Uint64("job", j.ID()), zap.Int("tasks", j.TaskCount()),
		zap.Int("in", len(in)), zap.Int("out", len(out)), zap.Stringer("priority", prio))
	return j.ID(), nil
}

type JobSpec struct {
	Tasks    []job.Task
	In, Out  []Handle
	Priority job.Priority
	Reserved uint32
}

type Batch struct {
	Jobs     []JobSpec
	Reserved uint32
}

// Submit submits the jobs of a batch in order. It stops at the first failing
// job and returns the ids admitted before it.
func (s *Session) Submit(b Batch) ([]uint64, error) {
	if b.Reserved != 0 {
		return nil, fmt.Errorf("%w: batch reserved field must be zero", job.ErrInvalidArgument)
	}
	ids := make([]uint64, 0, len(b.Jobs))
	for i, js := range b.Jobs {
		if js.Reserved != 0 {
			return ids, fmt.Errorf("%w: job %d: reserved field must be zero", job.ErrInvalidArgument, i)
		}
		id, err := s.SubmitJob(js.Tasks, js.In, js.Out, js.Priority)
		if err != nil {
			return ids, fmt.Errorf("job %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Session) get(h Handle) (*buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.handles[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	b.get()
	return b, nil
}

// PrepBuffer opens a CPU access window on a buffer: it waits up to timeout
// for the jobs conflicting with op and syncs the buffer for the CPU. A zero
// timeout only polls.
func (s *Session) PrepBuffer(h Handle, op PrepOp, timeout time.Duration) error {
	if op == 0 || op&^prepMask != 0 {
		return fmt.Errorf("%w: prep op %#x", job.ErrInvalidArgument, uint32(op))
	}
	b, err := s.get(h)
	if err != nil {
		return err
	}
	defer b.Put()

	write := op&PrepWrite != 0
	if timeout == 0 {
		if !b.obj.Idle(write) {
			return ErrBusy
		}
	} else if err := b.obj.Wait(write, timeout); err != nil {
		if errors.Is(err, fence.ErrTimeout) {
			return fmt.Errorf("buffer %d: %w", h, err)
		}
		return err
	}
	s.dev.alloc.SyncForCPU(b.region, op.direction())
	s.mu.Lock()
	b.prepOp = op
	s.mu.Unlock()
	return nil
}

// FiniBuffer closes the CPU access window opened by PrepBuffer.
func (s *Session) FiniBuffer(h Handle, reserved uint32) error {
	if reserved != 0 {
		return fmt.Errorf("%w: reserved field must be zero", job.ErrInvalidArgument)
	}
	b, err := s.get(h)
	if err != nil {
		return err
	}
	defer b.Put()
	s.mu.Lock()
	op := b.prepOp
	b.prepOp = 0
	s.mu.Unlock()
	s.dev.alloc.SyncForDevice(b.region, op.direction())
	return nil
}

// Close drops every handle of the session. Jobs already submitted run to
// completion.
func (s *Session) Close() {
	s.mu.Lock()
	hs := s.handles
	s.handles = make(map[Handle]*buffer)
	s.closed = true
	s.mu.Unlock()
	for _, b := range hs {
		b.Put()
	}
}

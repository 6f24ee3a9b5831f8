package device_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"example.com/npu-sched/core/device"
	"example.com/npu-sched/core/fence"
	"example.com/npu-sched/core/job"
	"example.com/npu-sched/core/journal"
	"example.com/npu-sched/core/sched"
	"example.com/npu-sched/driver/hw"
	"example.com/npu-sched/driver/mem"
	"example.com/npu-sched/driver/pm"
	"example.com/npu-sched/driver/sim"
)

const waitLimit = 5 * time.Second

type testDevice struct {
	*device.Device
	hw    []*sim.Core
	alloc *mem.HostAllocator
}

func newTestDevice(t *testing.T, n int, execTime time.Duration, cfg device.Config) *testDevice {
	t.Helper()
	td := &testDevice{alloc: mem.NewHostAllocator(nil)}
	var cores []hw.Core
	for i := 0; i < n; i++ {
		c := sim.NewCore(nil, i, execTime)
		td.hw = append(td.hw, c)
		cores = append(cores, c)
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = waitLimit
	}
	td.Device = device.New(nil, cores, pm.NewGovernor(nil), td.alloc, cfg)
	t.Cleanup(func() { _ = td.Close() })
	return td
}

func (td *testDevice) executed() []sim.Exec {
	var es []sim.Exec
	for _, c := range td.hw {
		es = append(es, c.Executed()...)
	}
	return es
}

func tasks(addr uint64) []job.Task {
	return []job.Task{{RegCmd: addr, RegCmdCount: 4}}
}

func mustBuffer(t *testing.T, s *device.Session) device.Handle {
	t.Helper()
	h, _, err := s.CreateBuffer(4096)
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}
	return h
}

func mustSubmit(t *testing.T, s *device.Session, ts []job.Task, in, out []device.Handle) uint64 {
	t.Helper()
	id, err := s.SubmitJob(ts, in, out, job.PriorityNormal)
	if err != nil {
		t.Fatalf("SubmitJob() = %v", err)
	}
	return id
}

func waitDone(t *testing.T, d *testDevice, id uint64) {
	t.Helper()
	o, err := d.WaitJob(context.Background(), id, waitLimit)
	if o != device.Done || err != nil {
		t.Fatalf("WaitJob(%d) = %v, %v; expected done", id, o, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubmitRejects(t *testing.T) {
	d := newTestDevice(t, 1, time.Millisecond, device.Config{})
	s := d.Open()
	h := mustBuffer(t, s)
	tests := []struct {
		name  string
		tasks []job.Task
		in    []device.Handle
		prio  job.Priority
		err   error
	}{
		{name: "NoTasks", err: job.ErrInvalidArgument},
		{name: "ZeroCommands", tasks: []job.Task{{RegCmd: 0x1000}}, err: job.ErrInvalidArgument},
		{name: "Reserved", tasks: []job.Task{{RegCmd: 0x1000, RegCmdCount: 1, Reserved: 3}}, err: job.ErrInvalidArgument},
		{name: "Priority", tasks: tasks(0x1000), prio: job.Priority(-1), err: job.ErrInvalidArgument},
		{name: "UnknownHandle", tasks: tasks(0x1000), in: []device.Handle{h, h + 100}, err: device.ErrInvalidHandle},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := s.SubmitJob(test.tasks, test.in, nil, test.prio)
			if !errors.Is(err, test.err) {
				t.Errorf("SubmitJob() = %v; expected %v", err, test.err)
			}
		})
	}
	if n := len(d.executed()); n != 0 {
		t.Errorf("rejected jobs ran %d command buffers", n)
	}
}

func TestReadAfterWrite(t *testing.T) {
	d := newTestDevice(t, 2, 10*time.Millisecond, device.Config{})
	s := d.Open()
	x := mustBuffer(t, s)
	a := mustSubmit(t, s, tasks(0x1000), nil, []device.Handle{x})
	b := mustSubmit(t, s, tasks(0x2000), []device.Handle{x}, nil)
	waitDone(t, d, b)
	waitDone(t, d, a)

	es := d.executed()
	ia := slices.IndexFunc(es, func(e sim.Exec) bool { return e.Addr == 0x1000 })
	ib := slices.IndexFunc(es, func(e sim.Exec) bool { return e.Addr == 0x2000 })
	if ia < 0 || ib < 0 {
		t.Fatalf("missing runs: %+v", es)
	}
	if es[ib].Start.Before(es[ia].End) {
		t.Errorf("reader started at %v before writer ended at %v", es[ib].Start, es[ia].End)
	}
}

func TestWriteAfterRead(t *testing.T) {
	d := newTestDevice(t, 3, 10*time.Millisecond, device.Config{})
	s := d.Open()
	x := mustBuffer(t, s)
	r1 := mustSubmit(t, s, tasks(0x1000), []device.Handle{x}, nil)
	r2 := mustSubmit(t, s, tasks(0x2000), []device.Handle{x}, nil)
	w := mustSubmit(t, s, tasks(0x3000), nil, []device.Handle{x})
	for _, id := range []uint64{r1, r2, w} {
		waitDone(t, d, id)
	}
	es := d.executed()
	find := func(addr uint32) sim.Exec {
		return es[slices.IndexFunc(es, func(e sim.Exec) bool { return e.Addr == addr })]
	}
	ew := find(0x3000)
	for _, addr := range []uint32{0x1000, 0x2000} {
		if er := find(addr); ew.Start.Before(er.End) {
			t.Errorf("writer started before reader %#x ended", addr)
		}
	}
}

func TestDisjointJobsComplete(t *testing.T) {
	d := newTestDevice(t, 2, 20*time.Millisecond, device.Config{})
	s := d.Open()
	var ids []uint64
	for i := 0; i < 3; i++ {
		h := mustBuffer(t, s)
		ids = append(ids, mustSubmit(t, s, tasks(uint64(0x1000*(i+1))), nil, []device.Handle{h}))
	}
	for _, id := range ids {
		waitDone(t, d, id)
	}
	waitFor(t, "idle device", d.Idle)
}

func TestWaitJobIdempotent(t *testing.T) {
	d := newTestDevice(t, 1, time.Millisecond, device.Config{ResultsCap: 8})
	s := d.Open()
	id := mustSubmit(t, s, tasks(0x1000), nil, nil)
	for i := 0; i < 3; i++ {
		waitDone(t, d, id)
	}
	if o, err := d.WaitJob(context.Background(), id, 0); o != device.Done || err != nil {
		t.Errorf("WaitJob() poll = %v, %v", o, err)
	}
	if _, err := d.WaitJob(context.Background(), id+1000, 0); !errors.Is(err, device.ErrUnknownJob) {
		t.Errorf("WaitJob() of unknown job = %v; expected %v", err, device.ErrUnknownJob)
	}
}

func TestWaitJobDefaultConfig(t *testing.T) {
	d := newTestDevice(t, 1, time.Millisecond, device.Config{})
	s := d.Open()
	id := mustSubmit(t, s, tasks(0x1000), nil, nil)
	waitDone(t, d, id)
	waitDone(t, d, id)
	if o, err := d.WaitJob(context.Background(), id, 0); o != device.Done || err != nil {
		t.Errorf("WaitJob() poll = %v, %v; expected done", o, err)
	}
}

func TestWaitJobTimesOut(t *testing.T) {
	d := newTestDevice(t, 1, time.Millisecond, device.Config{})
	d.hw[0].Stall(1)
	s := d.Open()
	id := mustSubmit(t, s, tasks(0x1000), nil, nil)
	if o, err := d.WaitJob(context.Background(), id, 20*time.Millisecond); o != device.TimedOut || err != nil {
		t.Errorf("WaitJob() = %v, %v; expected timed out", o, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if o, err := d.WaitJob(ctx, id, time.Second); o != device.TimedOut || !errors.Is(err, context.Canceled) {
		t.Errorf("WaitJob() with canceled context = %v, %v", o, err)
	}
}

func TestHungJobFails(t *testing.T) {
	d := newTestDevice(t, 1, time.Millisecond, device.Config{JobTimeout: 30 * time.Millisecond, ResultsCap: 8})
	d.hw[0].Stall(1)
	s := d.Open()
	x := mustBuffer(t, s)
	hung := mustSubmit(t, s, tasks(0x1000), nil, []device.Handle{x})
	after := mustSubmit(t, s, tasks(0x2000), []device.Handle{x}, nil)

	o, err := d.WaitJob(context.Background(), hung, waitLimit)
	if o != device.Failed || err == nil {
		t.Fatalf("WaitJob(hung) = %v, %v; expected failure", o, err)
	}
	o, err = d.WaitJob(context.Background(), after, waitLimit)
	if o != device.Failed || err == nil {
		t.Errorf("WaitJob(dependent) = %v, %v; expected failure", o, err)
	}
	next := mustSubmit(t, s, tasks(0x3000), nil, nil)
	waitDone(t, d, next)
}

func TestSubmitAfterWriterFailed(t *testing.T) {
	d := newTestDevice(t, 1, time.Millisecond, device.Config{JobTimeout: 30 * time.Millisecond})
	d.hw[0].Stall(1)
	s := d.Open()
	x := mustBuffer(t, s)
	hung := mustSubmit(t, s, tasks(0x1000), nil, []device.Handle{x})
	if o, err := d.WaitJob(context.Background(), hung, waitLimit); o != device.Failed || !errors.Is(err, sched.ErrJobHung) {
		t.Fatalf("WaitJob(hung) = %v, %v; expected %v", o, err, sched.ErrJobHung)
	}

	for _, out := range []device.Handle{mustBuffer(t, s), x} {
		id := mustSubmit(t, s, tasks(0x2000), []device.Handle{x}, []device.Handle{out})
		o, err := d.WaitJob(context.Background(), id, waitLimit)
		if o != device.Failed || !errors.Is(err, sched.ErrDependency) || !errors.Is(err, sched.ErrJobHung) {
			t.Errorf("WaitJob(reader) = %v, %v; expected %v from %v", o, err, sched.ErrDependency, sched.ErrJobHung)
		}
	}

	// overwriting x does not depend on the failed writer, and later readers
	// see the new contents
	w := mustSubmit(t, s, tasks(0x3000), nil, []device.Handle{x})
	waitDone(t, d, w)
	r := mustSubmit(t, s, tasks(0x4000), []device.Handle{x}, nil)
	waitDone(t, d, r)
	for _, addr := range []uint32{0x2000, 0x3000, 0x4000} {
		n := 0
		for _, e := range d.executed() {
			if e.Addr == addr {
				n++
			}
		}
		if want := map[uint32]int{0x2000: 0, 0x3000: 1, 0x4000: 1}[addr]; n != want {
			t.Errorf("command buffer %#x ran %d times; expected %d", addr, n, want)
		}
	}
}

func TestResultsFromJournal(t *testing.T) {
	jr, err := journal.Open(nil, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer jr.Close()
	d := newTestDevice(t, 1, time.Millisecond, device.Config{ResultsCap: 1, Journal: jr})
	s := d.Open()
	first := mustSubmit(t, s, tasks(0x1000), nil, nil)
	waitDone(t, d, first)
	second := mustSubmit(t, s, tasks(0x2000), nil, nil)
	waitDone(t, d, second)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if o, err := d.WaitJob(context.Background(), first, 0); o != device.Done || err != nil {
		t.Errorf("WaitJob() of evicted job = %v, %v", o, err)
	}
	if n, err := jr.Count(context.Background(), journal.StatusDone); n != 2 || err != nil {
		t.Errorf("Count() = %d, %v", n, err)
	}
}

func TestJournaledErrorKeepsCause(t *testing.T) {
	jr, err := journal.Open(nil, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer jr.Close()
	d := newTestDevice(t, 1, time.Millisecond, device.Config{
		JobTimeout: 30 * time.Millisecond,
		ResultsCap: 1,
		Journal:    jr,
	})
	d.hw[0].Stall(1)
	s := d.Open()
	hung := mustSubmit(t, s, tasks(0x1000), nil, nil)
	if o, _ := d.WaitJob(context.Background(), hung, waitLimit); o != device.Failed {
		t.Fatalf("WaitJob(hung) = %v; expected failure", o)
	}
	waitDone(t, d, mustSubmit(t, s, tasks(0x2000), nil, nil))
	waitFor(t, "journaled results", func() bool {
		failed, err1 := jr.Count(context.Background(), journal.StatusFailed)
		done, err2 := jr.Count(context.Background(), journal.StatusDone)
		return err1 == nil && err2 == nil && failed == 1 && done == 1
	})

	o, err := d.WaitJob(context.Background(), hung, 0)
	if o != device.Failed || !errors.Is(err, sched.ErrJobHung) {
		t.Errorf("WaitJob() of evicted hung job = %v, %v; expected %v", o, err, sched.ErrJobHung)
	}
	if errors.Is(err, sched.ErrReset) {
		t.Errorf("WaitJob() of evicted hung job = %v; unexpectedly matches %v", err, sched.ErrReset)
	}
}

// stuckRecorder blocks every Record until release is closed.
type stuckRecorder struct {
	release chan struct{}
}

func (r *stuckRecorder) Record(context.Context, journal.Record) error {
	<-r.release
	return nil
}

func (r *stuckRecorder) Lookup(context.Context, uint64) (journal.Record, bool, error) {
	return journal.Record{}, false, nil
}

func TestSlowJournalDoesNotStall(t *testing.T) {
	const numJobs = 4
	rec := &stuckRecorder{release: make(chan struct{})}
	d := newTestDevice(t, 1, time.Millisecond, device.Config{Journal: rec, JournalQueue: 1})
	defer close(rec.release)
	s := d.Open()
	for i := 0; i < numJobs; i++ {
		id := mustSubmit(t, s, tasks(uint64(0x1000*(i+1))), nil, nil)
		waitDone(t, d, id)
		waitDone(t, d, id)
	}
	// one record is held by the writer and one is queued
	waitFor(t, "dropped records", func() bool { return d.JournalDropped() >= numJobs-2 })
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	d := newTestDevice(t, 1, time.Millisecond, device.Config{ResultsCap: 8})
	d.hw[0].Stall(1)
	s := d.Open()
	running := mustSubmit(t, s, tasks(0x1000), nil, nil)
	waitFor(t, "dispatch", d.hw[0].Busy)
	queued := mustSubmit(t, s, tasks(0x2000), nil, nil)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	for _, id := range []uint64{running, queued} {
		o, err := d.WaitJob(context.Background(), id, waitLimit)
		if o != device.Failed || !errors.Is(err, device.ErrClosed) {
			t.Errorf("WaitJob(%d) = %v, %v; expected %v", id, o, err, device.ErrClosed)
		}
	}
	if _, err := s.SubmitJob(tasks(0x3000), nil, nil, job.PriorityNormal); !errors.Is(err, device.ErrClosed) {
		t.Errorf("SubmitJob() after close = %v; expected %v", err, device.ErrClosed)
	}
}

func TestPrepBuffer(t *testing.T) {
	d := newTestDevice(t, 1, time.Millisecond, device.Config{})
	d.hw[0].Stall(1)
	s := d.Open()
	x := mustBuffer(t, s)
	y := mustBuffer(t, s)
	id := mustSubmit(t, s, tasks(0x1000), []device.Handle{y}, []device.Handle{x})

	tests := []struct {
		name    string
		h       device.Handle
		op      device.PrepOp
		timeout time.Duration
		err     error
	}{
		{name: "NoOp", h: x, op: 0, err: job.ErrInvalidArgument},
		{name: "UnknownOp", h: x, op: 1 << 5, err: job.ErrInvalidArgument},
		{name: "UnknownHandle", h: 999, op: device.PrepRead, err: device.ErrInvalidHandle},
		{name: "Busy", h: x, op: device.PrepRead, err: device.ErrBusy},
		{name: "Timeout", h: x, op: device.PrepRead, timeout: 10 * time.Millisecond, err: fence.ErrTimeout},
		{name: "ReadShared", h: y, op: device.PrepRead},
		{name: "WriteShared", h: y, op: device.PrepWrite, err: device.ErrBusy},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := s.PrepBuffer(test.h, test.op, test.timeout)
			if test.err == nil && err != nil || !errors.Is(err, test.err) {
				t.Errorf("PrepBuffer() = %v; expected %v", err, test.err)
			}
		})
	}

	if o, _ := d.WaitJob(context.Background(), id, 0); o != device.TimedOut {
		t.Errorf("stalled job reported %v", o)
	}
	before := d.alloc.Syncs()
	if err := s.FiniBuffer(y, 0); err != nil {
		t.Errorf("FiniBuffer() = %v", err)
	}
	if err := s.FiniBuffer(y, 1); !errors.Is(err, job.ErrInvalidArgument) {
		t.Errorf("FiniBuffer() with reserved bits = %v", err)
	}
	if got := d.alloc.Syncs(); got.ForDevice != before.ForDevice+1 {
		t.Errorf("FiniBuffer() synced %d times", got.ForDevice-before.ForDevice)
	}
}

func TestFreeBufferInUse(t *testing.T) {
	d := newTestDevice(t, 1, 20*time.Millisecond, device.Config{})
	s := d.Open()
	x := mustBuffer(t, s)
	id := mustSubmit(t, s, tasks(0x1000), nil, []device.Handle{x})
	if err := s.FreeBuffer(x); err != nil {
		t.Fatal(err)
	}
	if err := s.FreeBuffer(x); !errors.Is(err, device.ErrInvalidHandle) {
		t.Errorf("second FreeBuffer() = %v", err)
	}
	if d.alloc.Live() != 1 {
		t.Errorf("buffer released while in use")
	}
	waitDone(t, d, id)
	waitFor(t, "buffer release", func() bool { return d.alloc.Live() == 0 })
}

func TestBatch(t *testing.T) {
	d := newTestDevice(t, 2, time.Millisecond, device.Config{ResultsCap: 8})
	s := d.Open()
	x := mustBuffer(t, s)
	if _, err := s.Submit(device.Batch{Reserved: 1}); !errors.Is(err, job.ErrInvalidArgument) {
		t.Errorf("Submit() with reserved bits = %v", err)
	}
	ids, err := s.Submit(device.Batch{Jobs: []device.JobSpec{
		{Tasks: tasks(0x1000), Out: []device.Handle{x}},
		{Tasks: tasks(0x2000), In: []device.Handle{x}},
		{Tasks: nil},
		{Tasks: tasks(0x4000)},
	}})
	if !errors.Is(err, job.ErrInvalidArgument) || len(ids) != 2 {
		t.Fatalf("Submit() = %v, %v", ids, err)
	}
	for _, id := range ids {
		waitDone(t, d, id)
	}
}

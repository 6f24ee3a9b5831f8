// Package sched drives the NPU cores: one scheduler goroutine per core pulls
// ready jobs from a priority run queue, issues their tasks to hardware one at
// a time, retires them from the completion interrupt and recovers hung cores
// through a reset.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"example.com/npu-sched/base/zaplog"
	"example.com/npu-sched/core/fence"
	"example.com/npu-sched/core/job"
	"example.com/npu-sched/driver/hw"
	"example.com/npu-sched/driver/mem"
)

const DefaultTimeout = 500 * time.Millisecond

type Config struct {
	// Timeout bounds a single hardware run of a job.
	Timeout time.Duration
	// HangLimit is the number of timeouts a job may cause before it is
	// failed instead of requeued.
	HangLimit int
}

// run is the job currently owned by the scheduler goroutine.
type run struct {
	job   *job.Job
	hw    *fence.Fence
	timer *time.Timer
}

type Core struct {
	Log *zap.Logger

	index     int
	hw        hw.Core
	pm        hw.PowerManager
	alloc     mem.Allocator
	port      *mem.Port
	timeline  *fence.Timeline
	timeout   time.Duration
	hangLimit int

	// jobMu guards the in-flight slot and the cursor of the in-flight job.
	jobMu    sync.Mutex
	inflight *job.Job

	resetPending atomic.Bool

	rqMu    sync.Mutex
	rq      runQueue
	rqSeq   uint64
	stopped error

	cur    *run
	active atomic.Bool

	kick     chan struct{}
	resetReq chan struct{}
	irq      irqLine
	started  atomic.Bool
	done     chan struct{}

	mtrcs *coreMetrics
}

func NewCore(log *zap.Logger, c hw.Core, pm hw.PowerManager, alloc mem.Allocator, cfg Config) *Core {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HangLimit < 0 {
		panic("negative hang limit")
	}
	sc := &Core{
		Log:       zaplog.Or(log),
		index:     c.Index(),
		hw:        c,
		pm:        pm,
		alloc:     alloc,
		port:      mem.NewPort(c.Index()),
		timeline:  fence.NewTimeline(fmt.Sprintf("core-%d", c.Index())),
		timeout:   cfg.Timeout,
		hangLimit: cfg.HangLimit,
		kick:      make(chan struct{}, 1),
		resetReq:  make(chan struct{}, 1),
		done:      make(chan struct{}),
		mtrcs:     newCoreMetrics(c.Index()),
	}
	sc.irq.init()
	return sc
}

// Start installs the interrupt handler and launches the scheduler and
// interrupt threads. Both exit once ctx is done; queued and in-flight jobs
// are then failed with ErrStopped, wrapping the cancellation cause of ctx if
// one was given.
func (c *Core) Start(ctx context.Context) {
	if c.started.Swap(true) {
		panic("core already started")
	}
	c.hw.RequestIRQ(c.irqHandler)
	go c.irqThread()
	go c.loop(ctx)
}

// Done is closed once the scheduler goroutine exited.
func (c *Core) Done() <-chan struct{} { return c.done }

func (c *Core) Index() int { return c.index }

// Timeline is the fence timeline of the core's hardware runs.
func (c *Core) Timeline() *fence.Timeline { return c.timeline }

func (c *Core) Port() *mem.Port { return c.port }

// InFlight reports whether a job occupies the hardware slot.
func (c *Core) InFlight() bool {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	return c.inflight != nil
}

// Load is the number of jobs queued on or running on the core.
func (c *Core) Load() int {
	c.rqMu.Lock()
	n := len(c.rq)
	c.rqMu.Unlock()
	if c.active.Load() {
		n++
	}
	return n
}

// Idle reports whether the core has neither queued nor running jobs.
func (c *Core) Idle() bool { return c.Load() == 0 }

func (c *Core) ResetPending() bool { return c.resetPending.Load() }

func (c *Core) Stats() Stats { return c.mtrcs.snapshot() }

func (c *Core) loop(ctx context.Context) {
	defer close(c.done)
	for {
		c.runNext()
		var hwDone <-chan struct{}
		var expired <-chan time.Time
		if c.cur != nil {
			hwDone = c.cur.hw.Done()
			expired = c.cur.timer.C
		}
		select {
		case <-ctx.Done():
			c.shutdown(stopError(ctx))
			return
		case <-c.kick:
		case <-hwDone:
			c.finish()
		case <-expired:
			c.timedOut()
		case <-c.resetReq:
			c.reset(nil)
		}
	}
}

func (c *Core) runNext() {
	for c.cur == nil && !c.resetPending.Load() {
		j := c.pop()
		if j == nil {
			return
		}
		c.runJob(j)
	}
}

func (c *Core) pop() *job.Job {
	c.rqMu.Lock()
	defer c.rqMu.Unlock()
	if len(c.rq) == 0 {
		return nil
	}
	it := heap.Pop(&c.rq).(*rqItem)
	c.mtrcs.queued.Set(float64(len(c.rq)))
	return it.job
}

func (c *Core) runJob(j *job.Job) {
	hwf := fence.New(c.timeline)
	j.SetHWFence(hwf)
	c.cur = &run{job: j, hw: hwf, timer: time.NewTimer(c.timeout)}
	c.active.Store(true)
	c.mtrcs.inFlight.Set(1)

	syncForDevice(c.alloc, j.In(), mem.ToDevice)
	syncForDevice(c.alloc, j.Out(), mem.FromDevice)

	c.pm.MarkBusy(c.index)
	if err := c.port.Attach(j.Domain()); err != nil {
		c.pm.MarkIdle(c.index)
		c.Log.Error("failed to attach domain", zap.Int("core", c.index),
			zap.Uint64("job", j.ID()), zap.Error(err))
		_ = hwf.SignalError(fmt.Errorf("%w: %w", ErrDomainAttach, err))
		return
	}
	j.SetState(job.Dispatched)

	c.jobMu.Lock()
	c.inflight = j
	c.submitLocked(j)
	c.jobMu.Unlock()
}

func syncForDevice(a mem.Allocator, bs []job.Buffer, dir mem.Direction) {
	for _, b := range bs {
		if r := b.Region(); r != nil {
			a.SyncForDevice(r, dir)
		}
	}
}

func (c *Core) clearRun() *run {
	r := c.cur
	c.cur = nil
	c.active.Store(false)
	c.mtrcs.inFlight.Set(0)
	r.timer.Stop()
	return r
}

func (c *Core) finish() {
	r := c.clearRun()
	c.retire(r.job, r.hw.Err())
}

// retire moves j to its terminal state, signals its done fence and drops the
// scheduler's reference. It must not be called with jobMu or rqMu held.
func (c *Core) retire(j *job.Job, err error) {
	for _, b := range j.Out() {
		if r := b.Region(); r != nil {
			c.alloc.SyncForCPU(r, mem.FromDevice)
		}
	}
	if err == nil {
		j.SetState(job.Complete)
		c.mtrcs.completed.Inc()
		c.Log.Debug("job complete", zap.Int("core", c.index), zap.Uint64("job", j.ID()),
			zap.Duration("latency", time.Since(j.Submitted)))
	} else {
		j.SetState(job.Failed)
		c.mtrcs.failed.Inc()
		c.Log.Info("job failed", zap.Int("core", c.index), zap.Uint64("job", j.ID()),
			zap.Int("cursor", j.Cursor()), zap.Error(err))
	}
	if serr := j.Done.SignalError(err); serr != nil {
		c.Log.Error("failed to signal job fence", zap.Uint64("job", j.ID()), zap.Error(serr))
	}
	j.Put()
}

// enqueue makes j runnable on the core. The queue takes over the caller's
// reference.
func (c *Core) enqueue(j *job.Job) {
	c.rqMu.Lock()
	if err := c.stopped; err != nil {
		c.rqMu.Unlock()
		c.retire(j, err)
		return
	}
	j.SetState(job.Queued)
	c.rqSeq++
	heap.Push(&c.rq, &rqItem{job: j, seq: c.rqSeq})
	c.mtrcs.queued.Set(float64(len(c.rq)))
	c.rqMu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func stopError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return ErrStopped
	}
	return fmt.Errorf("%w: %w", ErrStopped, cause)
}

func (c *Core) shutdown(err error) {
	c.rqMu.Lock()
	c.stopped = err
	pending := make([]*job.Job, 0, len(c.rq))
	for len(c.rq) != 0 {
		pending = append(pending, heap.Pop(&c.rq).(*rqItem).job)
	}
	c.mtrcs.queued.Set(0)
	c.rqMu.Unlock()

	c.hw.WriteReg(hw.PCInterruptMask, 0)
	if c.cur != nil {
		c.jobMu.Lock()
		if j := c.inflight; j != nil {
			c.inflight = nil
			c.detach(j)
			c.pm.MarkIdle(c.index)
			_ = j.HWFence().SignalError(err)
		}
		c.jobMu.Unlock()
		c.finish()
	}
	for _, j := range pending {
		c.retire(j, err)
	}
	c.Log.Debug("core stopped", zap.Int("core", c.index), zap.Int("drained", len(pending)))
}

func (c *Core) detach(j *job.Job) {
	if err := c.port.Detach(j.Domain()); err != nil {
		c.Log.Error("failed to detach domain", zap.Int("core", c.index),
			zap.Uint64("job", j.ID()), zap.Error(err))
	}
}

package sched

import (
	"fmt"

	"go.uber.org/zap"

	"example.com/npu-sched/core/job"
	"example.com/npu-sched/driver/hw"
)

// ScheduleReset requests an asynchronous reset of the core with no guilty
// job. Dispatch stops until the reset ran.
func (c *Core) ScheduleReset() {
	c.resetPending.Store(true)
	select {
	case c.resetReq <- struct{}{}:
	default:
	}
}

// timedOut handles the expiry of the current run's timer. A completion that
// is still waiting for the interrupt thread is not a hang.
func (c *Core) timedOut() {
	r := c.cur
	if r.hw.IsSignaled() {
		return
	}
	c.irq.synchronize()
	if r.hw.IsSignaled() {
		c.mtrcs.spuriousTimeouts.Inc()
		c.Log.Warn("unexpectedly high interrupt latency", zap.Int("core", c.index),
			zap.Uint64("job", r.job.ID()), zap.Duration("timeout", c.timeout))
		return
	}
	c.mtrcs.timeouts.Inc()
	c.Log.Error("job timed out", zap.Int("core", c.index), zap.Uint64("job", r.job.ID()),
		zap.Int("cursor", r.job.Cursor()), zap.Duration("timeout", c.timeout))
	c.resetPending.Store(true)
	c.reset(r.job)
}

// reset power-cycles the core. bad, if set, is the job blamed for the reset.
// The current run is retired if it completed meanwhile and resubmitted from
// its cursor otherwise.
func (c *Core) reset(bad *job.Job) {
	if !c.resetPending.Load() {
		return
	}
	c.mtrcs.resets.Inc()
	if bad != nil {
		bad.IncKarma()
	}
	c.Log.Warn("resetting core", zap.Int("core", c.index), zap.Bool("guilty", bad != nil))

	c.hw.WriteReg(hw.PCInterruptMask, 0)
	c.irq.synchronize()
	c.handleIRQ()

	var abandoned bool
	c.jobMu.Lock()
	if j := c.inflight; j != nil {
		c.inflight = nil
		c.detach(j)
		c.pm.MarkIdle(c.index)
		abandoned = true
	}
	c.jobMu.Unlock()

	if err := c.hw.Suspend(); err != nil {
		c.Log.Error("failed to suspend core", zap.Int("core", c.index), zap.Error(err))
	}
	if err := c.hw.Resume(); err != nil {
		c.Log.Error("failed to resume core", zap.Int("core", c.index), zap.Error(err))
	}
	c.resetPending.Store(false)

	if c.cur != nil {
		r := c.clearRun()
		if abandoned {
			_ = r.hw.SignalError(ErrReset)
			c.resubmit(r.job)
		} else {
			c.retire(r.job, r.hw.Err())
		}
	}
	c.Log.Info("core reset complete", zap.Int("core", c.index))
}

// resubmit requeues a job whose run was cut short by a reset. Its cursor is
// kept, so tasks already issued are not issued again.
func (c *Core) resubmit(j *job.Job) {
	switch {
	case j.Karma() > c.hangLimit:
		c.retire(j, fmt.Errorf("%w: job %d caused %d timeouts", ErrJobHung, j.ID(), j.Karma()))
	case !j.Remaining():
		c.retire(j, fmt.Errorf("%w: job %d had no task left to run", ErrReset, j.ID()))
	default:
		c.Log.Info("requeueing job", zap.Int("core", c.index), zap.Uint64("job", j.ID()),
			zap.Int("cursor", j.Cursor()), zap.Int("karma", j.Karma()))
		c.enqueue(j)
	}
}

package sched

import (
	"sync"

	"go.uber.org/zap"

	"example.com/npu-sched/core/job"
	"example.com/npu-sched/driver/hw"
)

// testHookBottomHalf runs in the interrupt thread before each bottom half.
var testHookBottomHalf func()

// irqLine hands interrupts from the top half to the interrupt thread and
// lets the scheduler wait for all raised interrupts to be handled.
type irqLine struct {
	mu      sync.Mutex
	cond    sync.Cond
	pending int
	wake    chan struct{}
}

func (l *irqLine) init() {
	l.cond.L = &l.mu
	l.wake = make(chan struct{}, 1)
}

func (l *irqLine) raise() {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *irqLine) take() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *irqLine) handled(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending -= n
	if l.pending == 0 {
		l.cond.Broadcast()
	}
}

// synchronize returns once every interrupt raised so far has been handled.
func (l *irqLine) synchronize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.pending != 0 {
		l.cond.Wait()
	}
}

// irqHandler is the top half. The line may be shared, so interrupts without a
// completion bit are left to other handlers.
func (c *Core) irqHandler() hw.IRQReturn {
	raw := c.hw.ReadReg(hw.PCInterruptRawStatus)
	if raw&hw.IntDMAReadError != 0 {
		c.Log.Warn("DMA read error", zap.Int("core", c.index), zap.Uint32("status", raw))
		c.ScheduleReset()
		if raw&hw.IntDone == 0 {
			return hw.IRQHandled
		}
	}
	if raw&hw.IntDone == 0 {
		return hw.IRQNone
	}
	c.hw.WriteReg(hw.PCInterruptMask, 0)
	c.irq.raise()
	return hw.IRQWakeThread
}

func (c *Core) irqThread() {
	for {
		select {
		case <-c.done:
			return
		case <-c.irq.wake:
		}
		n := c.irq.take()
		if n == 0 {
			continue
		}
		if h := testHookBottomHalf; h != nil {
			h()
		}
		c.handleIRQ()
		c.irq.handled(n)
	}
}

// handleIRQ is the bottom half: it stops the pipeline, acknowledges the
// completion and advances the in-flight job.
func (c *Core) handleIRQ() {
	raw := c.hw.ReadReg(hw.PCInterruptRawStatus)
	if raw&hw.IntDone == 0 {
		return
	}
	c.hw.WriteReg(hw.PCOperationEnable, 0)
	c.hw.WriteReg(hw.PCInterruptClear, hw.IntAll)

	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	j := c.inflight
	if j == nil {
		c.mtrcs.spuriousIRQs.Inc()
		c.Log.Debug("completion without job in flight", zap.Int("core", c.index))
		return
	}
	c.mtrcs.irqs.Inc()
	c.handleDoneLocked(j)
}

func (c *Core) handleDoneLocked(j *job.Job) {
	if j.Remaining() {
		c.submitLocked(j)
		return
	}
	c.inflight = nil
	c.detach(j)
	c.pm.MarkIdle(c.index)
	if err := j.HWFence().Signal(); err != nil {
		c.Log.Error("failed to signal hardware fence", zap.Int("core", c.index),
			zap.Uint64("job", j.ID()), zap.Error(err))
	}
}

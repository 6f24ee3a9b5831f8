// Package sim provides a simulated NPU core behind the hw.Core interface.
//
// Writing 1 to OPERATION_ENABLE starts the command buffer programmed into
// BASE_ADDRESS; after the configured execution time the core latches a DPU
// completion bit into the raw interrupt status and, if unmasked, invokes the
// installed interrupt handler from its own goroutine.
package sim

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/npu-sched/base/zaplog"
	"example.com/npu-sched/driver/hw"
)

// Exec records one command buffer run by the core.
type Exec struct {
	Addr    uint32
	Amounts uint32
	Start   time.Time
	End     time.Time
}

type Core struct {
	Log      *zap.Logger
	ExecTime time.Duration

	index int

	mu          sync.Mutex
	regs        map[hw.Reg]uint32
	irq         hw.IRQHandler
	gen         uint64
	suspended   bool
	stalls      int
	busy        bool
	executed    []Exec
	powerCycles int
}

var _ hw.Core = (*Core)(nil)

func NewCore(log *zap.Logger, index int, execTime time.Duration) *Core {
	return &Core{
		Log:      zaplog.Or(log),
		ExecTime: execTime,
		index:    index,
		regs:     make(map[hw.Reg]uint32),
	}
}

func (c *Core) Index() int { return c.index }

func (c *Core) ReadReg(r hw.Reg) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == hw.PCInterruptStatus {
		return c.regs[hw.PCInterruptRawStatus] & c.regs[hw.PCInterruptMask]
	}
	return c.regs[r]
}

func (c *Core) WriteReg(r hw.Reg, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch r {
	case hw.PCInterruptClear:
		c.regs[hw.PCInterruptRawStatus] &^= v
	case hw.PCInterruptStatus, hw.PCInterruptRawStatus:
		// read-only
	case hw.PCOperationEnable:
		c.regs[r] = v
		if v == 1 && !c.suspended {
			c.startLocked()
		}
	default:
		c.regs[r] = v
	}
}

func (c *Core) RequestIRQ(h hw.IRQHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq = h
}

func (c *Core) startLocked() {
	if c.busy {
		c.Log.Error("operation enabled while busy", zap.Int("core", c.index))
		return
	}
	e := Exec{
		Addr:    c.regs[hw.PCBaseAddress],
		Amounts: c.regs[hw.PCRegisterAmounts],
		Start:   time.Now(),
	}
	c.busy = true
	if c.stalls != 0 {
		c.stalls--
		c.Log.Debug("stalling command buffer", zap.Int("core", c.index), zap.Uint32("addr", e.Addr))
		return
	}
	gen := c.gen
	d := c.ExecTime
	go func() {
		time.Sleep(d)
		c.complete(gen, e)
	}()
}

func (c *Core) complete(gen uint64, e Exec) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	e.End = time.Now()
	c.executed = append(c.executed, e)
	c.busy = false
	c.regs[hw.PCInterruptRawStatus] |= hw.IntDPU0
	raise := c.regs[hw.PCInterruptMask]&hw.IntDone != 0
	h := c.irq
	c.mu.Unlock()

	if raise && h != nil {
		_ = h()
	}
}

// Stall makes the next n command buffers hang until the core is
// power-cycled.
func (c *Core) Stall(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalls += n
}

// RaiseSpurious fires the interrupt line without latching any status, as
// another device sharing the line would.
func (c *Core) RaiseSpurious() hw.IRQReturn {
	c.mu.Lock()
	h := c.irq
	c.mu.Unlock()
	if h == nil {
		return hw.IRQNone
	}
	return h()
}

// InjectDMAReadError latches a DMA read error and fires the interrupt line.
func (c *Core) InjectDMAReadError() hw.IRQReturn {
	c.mu.Lock()
	c.regs[hw.PCInterruptRawStatus] |= hw.IntDMAReadError
	h := c.irq
	c.mu.Unlock()
	if h == nil {
		return hw.IRQNone
	}
	return h()
}

func (c *Core) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.suspended = true
	c.busy = false
	clear(c.regs)
	return nil
}

func (c *Core) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = false
	c.powerCycles++
	c.Log.Debug("core resumed", zap.Int("core", c.index), zap.Int("powerCycles", c.powerCycles))
	return nil
}

// Executed returns the command buffers completed so far, in completion order.
func (c *Core) Executed() []Exec {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := make([]Exec, len(c.executed))
	copy(r, c.executed)
	return r
}

func (c *Core) PowerCycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powerCycles
}

func (c *Core) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

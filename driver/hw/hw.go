// Package hw describes the register-level interface of an NPU core as seen by
// the job scheduler.
package hw

// Reg is a register offset within a core's MMIO window.
type Reg uint32

// Register offsets of the program controller (PC), the convolution
// accelerator (CNA) and the core block. Offsets follow a generic layout;
// chip-specific bring-up maps them onto the real MMIO window.
const (
	PCOperationEnable    Reg = 0x0008
	PCBaseAddress        Reg = 0x0010
	PCRegisterAmounts    Reg = 0x0014
	PCInterruptMask      Reg = 0x0020
	PCInterruptClear     Reg = 0x0024
	PCInterruptStatus    Reg = 0x0028
	PCInterruptRawStatus Reg = 0x002c
	PCTaskCon            Reg = 0x0030
	PCTaskDMABaseAddr    Reg = 0x0034

	CNASPointer  Reg = 0x1004
	CoreSPointer Reg = 0x3004
)

// Interrupt bits shared by the mask, clear, status and raw status registers.
const (
	IntDPU0         uint32 = 1 << 8
	IntDPU1         uint32 = 1 << 9
	IntDMAReadError uint32 = 1 << 12
	IntDMAWriteErr  uint32 = 1 << 13
	IntAll          uint32 = 0x1ffff

	IntDone = IntDPU0 | IntDPU1
)

// IRQReturn is the result of a top-half interrupt handler.
type IRQReturn int

const (
	// IRQNone means the interrupt was not raised by this core.
	IRQNone IRQReturn = iota
	// IRQHandled means the interrupt was fully handled in the top half.
	IRQHandled
	// IRQWakeThread means the bottom half must run.
	IRQWakeThread
)

func (r IRQReturn) String() string {
	switch r {
	case IRQNone:
		return "none"
	case IRQHandled:
		return "handled"
	case IRQWakeThread:
		return "wake-thread"
	}
	return "invalid"
}

// An IRQHandler runs in interrupt context: it must not block.
type IRQHandler func() IRQReturn

// Core is one hardware execution pipeline.
type Core interface {
	Index() int
	ReadReg(r Reg) uint32
	WriteReg(r Reg, v uint32)
	// RequestIRQ installs the top-half handler of the core's (possibly
	// shared) interrupt line.
	RequestIRQ(h IRQHandler)
	// Suspend and Resume power-cycle the core, discarding any work in
	// progress.
	Suspend() error
	Resume() error
}

// PowerManager receives busy/idle notifications bracketing hardware use so
// that an external governor can manage clocks.
type PowerManager interface {
	MarkBusy(core int)
	MarkIdle(core int)
}

// SPointer returns the value both S_POINTER registers are programmed with
// before a task is issued on the given core.
func SPointer(core int) uint32 {
	return 0xe + 0x10000000*uint32(core)
}

// RegisterAmounts converts a command count into the REGISTER_AMOUNTS value:
// commands are 64-bit, the register counts 128-bit pairs minus one.
func RegisterAmounts(regCmdCount uint32) uint32 {
	return (regCmdCount+1)/2 - 1
}

// TaskCon returns the TASK_CON value for a single-task submission with
// ping-pong enabled.
func TaskCon() uint32 {
	const taskPPEn = 1
	const taskCount = 1
	return ((0x6 | taskPPEn) << 12) | taskCount
}

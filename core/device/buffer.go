package device

import (
	"sync/atomic"

	"go.uber.org/zap"

	"example.com/npu-sched/core/resv"
	"example.com/npu-sched/driver/mem"
)

// Handle names a buffer within a session.
type Handle uint32

// PrepOp is a set of CPU access intents for PrepBuffer.
type PrepOp uint32

const (
	PrepRead PrepOp = 1 << iota
	PrepWrite

	prepMask = PrepRead | PrepWrite
)

// direction is the DMA direction of a CPU access window: data produced by the
// device is read, data consumed by the device is written.
func (op PrepOp) direction() mem.Direction {
	switch op {
	case PrepRead:
		return mem.FromDevice
	case PrepWrite:
		return mem.ToDevice
	default:
		return mem.Bidirectional
	}
}

// buffer is a device buffer shared by its session's handle table and by the
// jobs referencing it. The memory is released with the last reference.
type buffer struct {
	log    *zap.Logger
	obj    *resv.Object
	region *mem.Region
	alloc  mem.Allocator
	refs   atomic.Int32

	// guarded by the session mutex
	prepOp PrepOp
}

func (b *buffer) Resv() *resv.Object { return b.obj }

func (b *buffer) Region() *mem.Region { return b.region }

func (b *buffer) get() {
	if b.refs.Add(1) <= 1 {
		panic("buffer reference acquired after release")
	}
}

func (b *buffer) Put() {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("inconsistent buffer reference count")
	}
	if n != 0 {
		return
	}
	if err := b.alloc.Free(b.region); err != nil {
		b.log.Error("failed to free buffer", zap.Uint64("addr", b.region.Addr()), zap.Error(err))
	}
	deviceMetrics.buffers.Dec()
}

// Package mem provides device-visible memory and execution domains.
package mem

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"example.com/npu-sched/base/zaplog"
)

type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// A Region is a buffer of device-visible memory mapped into a domain.
type Region struct {
	domain *Domain
	addr   uint64
	size   int
	buf    []byte
}

func (r *Region) Domain() *Domain { return r.domain }

// Addr is the device (IOVA) address of the region.
func (r *Region) Addr() uint64 { return r.addr }

// Size is the mapped size, rounded up to whole pages.
func (r *Region) Size() int { return r.size }

// Bytes gives CPU access to the region. Accesses must be bracketed by
// SyncForCPU and SyncForDevice.
func (r *Region) Bytes() []byte { return r.buf }

type Allocator interface {
	Alloc(d *Domain, size int) (*Region, error)
	Free(r *Region) error
	SyncForDevice(r *Region, dir Direction)
	SyncForCPU(r *Region, dir Direction)
}

type SyncStats struct {
	ForDevice int
	ForCPU    int
}

// HostAllocator backs regions with anonymous host memory.
type HostAllocator struct {
	Log *zap.Logger

	mu    sync.Mutex
	live  int
	bytes int
	syncs SyncStats
}

var _ Allocator = (*HostAllocator)(nil)

func NewHostAllocator(log *zap.Logger) *HostAllocator {
	return &HostAllocator{Log: zaplog.Or(log)}
}

func (a *HostAllocator) Alloc(d *Domain, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	aligned := (size + pageSize - 1) &^ (pageSize - 1)
	buf, err := mapAnon(aligned)
	if err != nil {
		return nil, err
	}
	r := &Region{
		domain: d,
		addr:   d.mapRange(aligned),
		size:   aligned,
		buf:    buf,
	}
	a.mu.Lock()
	a.live++
	a.bytes += aligned
	total := a.bytes
	a.mu.Unlock()
	a.Log.Debug("allocated region",
		zap.Stringer("domain", d),
		zap.Uint64("addr", r.addr),
		zap.String("size", humanize.IBytes(uint64(aligned))),
		zap.String("total", humanize.IBytes(uint64(total))),
	)
	return r, nil
}

func (a *HostAllocator) Free(r *Region) error {
	if r.buf == nil {
		return ErrFreed
	}
	err := unmapAnon(r.buf)
	r.buf = nil
	r.domain.unmapRange(r.size)
	a.mu.Lock()
	a.live--
	a.bytes -= r.size
	a.mu.Unlock()
	return err
}

func (a *HostAllocator) SyncForDevice(r *Region, dir Direction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.syncs.ForDevice++
}

func (a *HostAllocator) SyncForCPU(r *Region, dir Direction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.syncs.ForCPU++
}

// Live returns the number of regions not yet freed.
func (a *HostAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *HostAllocator) Syncs() SyncStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncs
}

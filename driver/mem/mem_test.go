package mem_test

import (
	"errors"
	"testing"

	"example.com/npu-sched/driver/mem"
)

func TestAllocAligned(t *testing.T) {
	a := mem.NewHostAllocator(nil)
	d := mem.NewDomain()
	r0, err := a.Alloc(d, 1)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}
	r1, err := a.Alloc(d, 5000)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}
	if r0.Size() != 4096 || r1.Size() != 8192 {
		t.Errorf("sizes = %d, %d; expected 4096, 8192", r0.Size(), r1.Size())
	}
	if r1.Addr() != r0.Addr()+uint64(r0.Size()) {
		t.Errorf("regions overlap or leave a gap: %#x, %#x", r0.Addr(), r1.Addr())
	}
	r0.Bytes()[0] = 42
	if d.Mapped() != 3*4096 || a.Live() != 2 {
		t.Errorf("mapped = %d, live = %d", d.Mapped(), a.Live())
	}
	if err := a.Free(r0); err != nil {
		t.Errorf("Free() failed: %v", err)
	}
	if err := a.Free(r0); !errors.Is(err, mem.ErrFreed) {
		t.Errorf("second Free() = %v; expected %v", err, mem.ErrFreed)
	}
	if d.Mapped() != 2*4096 || a.Live() != 1 {
		t.Errorf("after free: mapped = %d, live = %d", d.Mapped(), a.Live())
	}
	if _, err := a.Alloc(d, 0); !errors.Is(err, mem.ErrInvalidSize) {
		t.Errorf("Alloc(0) = %v; expected %v", err, mem.ErrInvalidSize)
	}
}

func TestAttachDetach(t *testing.T) {
	p := mem.NewPort(0)
	d0, d1 := mem.NewDomain(), mem.NewDomain()
	if err := p.Attach(d0); err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if err := p.Attach(d0); !errors.Is(err, mem.ErrAlreadyAttached) {
		t.Errorf("second Attach() = %v; expected %v", err, mem.ErrAlreadyAttached)
	}
	if err := p.Attach(d1); !errors.Is(err, mem.ErrCoreBusy) {
		t.Errorf("Attach() of other domain = %v; expected %v", err, mem.ErrCoreBusy)
	}
	if err := p.Detach(d1); !errors.Is(err, mem.ErrNotAttached) {
		t.Errorf("Detach() of other domain = %v; expected %v", err, mem.ErrNotAttached)
	}
	if p.Attached() != d0 {
		t.Errorf("Attached() = %v; expected %v", p.Attached(), d0)
	}
	if err := p.Detach(d0); err != nil {
		t.Errorf("Detach() failed: %v", err)
	}
	if p.Attached() != nil {
		t.Errorf("Attached() = %v after Detach(); expected nil", p.Attached())
	}
}

package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	pageSize = 4096
	iovaBase = 0x1000_0000
)

var nextDomainID atomic.Uint64

// A Domain is an isolated device address space. Buffers are mapped into it at
// allocation time; a core can only reach them while the domain is attached to
// the core's port.
type Domain struct {
	id uint64

	mu       sync.Mutex
	nextIOVA uint64
	mapped   int
}

func NewDomain() *Domain {
	return &Domain{
		id:       nextDomainID.Add(1),
		nextIOVA: iovaBase,
	}
}

func (d *Domain) ID() uint64 { return d.id }

func (d *Domain) String() string { return fmt.Sprintf("domain-%d", d.id) }

func (d *Domain) mapRange(size int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	iova := d.nextIOVA
	d.nextIOVA += uint64(size)
	d.mapped += size
	return iova
}

func (d *Domain) unmapRange(size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapped -= size
}

// Mapped returns the number of bytes currently mapped into the domain.
func (d *Domain) Mapped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapped
}

// A Port is the translation unit in front of one core. At most one domain is
// attached to a port at a time.
type Port struct {
	core int

	mu     sync.Mutex
	domain *Domain
}

func NewPort(core int) *Port {
	return &Port{core: core}
}

// Attach makes d the address space of the port's core.
func (p *Port) Attach(d *Domain) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.domain == d:
		return fmt.Errorf("%w: %s, core %d", ErrAlreadyAttached, d, p.core)
	case p.domain != nil:
		return fmt.Errorf("%w: core %d attached to %s", ErrCoreBusy, p.core, p.domain)
	}
	p.domain = d
	return nil
}

// Detach removes d from the port.
func (p *Port) Detach(d *Domain) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.domain != d {
		return fmt.Errorf("%w: %s, core %d", ErrNotAttached, d, p.core)
	}
	p.domain = nil
	return nil
}

// Attached returns the currently attached domain, or nil.
func (p *Port) Attached() *Domain {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.domain
}

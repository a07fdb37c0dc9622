// Package cbox models the slice of the system-interface box the memory
// pipeline depends on: servicing miss-address-file fills from memory,
// acknowledging I/O write buffer requests, draining the victim buffer,
// and delivering coherence invalidations.
package cbox

import (
	"fmt"
	"io"
	"sync"

	"github.com/sarchlab/axpsim/cache"
	"github.com/sarchlab/axpsim/mbox"
)

// IOSpace is the MMIO device surface behind the IOWB.
type IOSpace interface {
	// ReadIO returns width bytes from an I/O register.
	ReadIO(pa uint64, width uint32) uint64
	// WriteIO stores width bytes to an I/O register.
	WriteIO(pa uint64, width uint32, value uint64)
}

// nullIO absorbs writes and reads as zero, standing in for an empty I/O
// bus.
type nullIO struct{}

func (nullIO) ReadIO(uint64, uint32) uint64   { return 0 }
func (nullIO) WriteIO(uint64, uint32, uint64) {}

// Cbox services the Mbox's miss and I/O traffic. Notifications enqueue
// under the Cbox's own lock; Service drains them against the memory
// system, so the Mbox worker never blocks on the system interface.
type Cbox struct {
	mbox    *mbox.Mbox
	dcache  *cache.Dcache
	bcache  *cache.Bcache
	memory  *cache.Memory
	iospace IOSpace
	trace   io.Writer

	mu          sync.Mutex
	pendingMAF  []int
	pendingIOWB []int
	victims     []cache.Victim
}

// Option configures a Cbox.
type Option func(*Cbox)

// WithIOSpace connects an MMIO device bus.
func WithIOSpace(ios IOSpace) Option {
	return func(c *Cbox) {
		c.iospace = ios
	}
}

// WithTrace writes a line per serviced request to w.
func WithTrace(w io.Writer) Option {
	return func(c *Cbox) {
		c.trace = w
	}
}

// New creates a Cbox over the given caches and memory.
func New(
	dcache *cache.Dcache,
	bcache *cache.Bcache,
	memory *cache.Memory,
	opts ...Option,
) *Cbox {
	c := &Cbox{
		dcache:  dcache,
		bcache:  bcache,
		memory:  memory,
		iospace: nullIO{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind attaches the Cbox to its Mbox. The two reference each other, so
// binding happens after both are constructed.
func (c *Cbox) Bind(m *mbox.Mbox) {
	c.mbox = m
}

// MAFReady implements mbox.System: the request is queued for Service.
func (c *Cbox) MAFReady(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingMAF = append(c.pendingMAF, index)
}

// IOWBReady implements mbox.System.
func (c *Cbox) IOWBReady(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingIOWB = append(c.pendingIOWB, index)
}

// VictimEvicted implements mbox.System: displaced dirty Dcache lines park
// in the victim buffer until DrainVictims pushes them down the hierarchy.
func (c *Cbox) VictimEvicted(v cache.Victim) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.victims = append(c.victims, v)
}

// Service drains all pending MAF and IOWB requests and the victim buffer.
// Each MAF fill lands in the Bcache before the completion callback fires,
// so the Mbox's re-probe hits.
func (c *Cbox) Service() {
	c.mu.Lock()
	mafs := c.pendingMAF
	iowbs := c.pendingIOWB
	c.pendingMAF = nil
	c.pendingIOWB = nil
	c.mu.Unlock()

	c.DrainVictims()

	for _, index := range mafs {
		c.serviceMAF(index)
	}
	for _, index := range iowbs {
		c.serviceIOWB(index)
	}
}

func (c *Cbox) serviceMAF(index int) {
	entry, ok := c.mbox.MAFEntry(index)
	if !ok {
		return
	}
	c.bcache.FillFromMemory(entry.PA)
	c.tracef("maf[%d] filled pa=%#x", index, entry.PA)
	c.mbox.MAFComplete(index)
}

func (c *Cbox) serviceIOWB(index int) {
	entry, ok := c.mbox.IOWBEntry(index)
	if !ok {
		return
	}
	switch entry.Kind {
	case mbox.MissLoad:
		c.mbox.FillIOWB(index, c.iospace.ReadIO(entry.PA, entry.Len))
	case mbox.MissStore:
		c.iospace.WriteIO(entry.PA, entry.Len, entry.Data)
	}
	c.tracef("iowb[%d] serviced pa=%#x", index, entry.PA)
	c.mbox.IOWBComplete(index)
}

// DrainVictims writes buffered victim lines back to memory.
func (c *Cbox) DrainVictims() {
	c.mu.Lock()
	victims := c.victims
	c.victims = nil
	c.mu.Unlock()

	for _, v := range victims {
		c.memory.Write(v.PhysAddr, v.Data)
		c.tracef("victim written back pa=%#x", v.PhysAddr)
	}
}

// ProbeWrite models another agent writing the block containing pa: the
// Dcache copy is invalidated, dropping any lock reservation, and the new
// data lands in memory.
func (c *Cbox) ProbeWrite(pa uint64, data []byte) {
	c.dcache.ProbeInvalidate(pa)
	c.memory.Write(pa, data)
}

func (c *Cbox) tracef(format string, args ...any) {
	if c.trace != nil {
		fmt.Fprintf(c.trace, "cbox: "+format+"\n", args...)
	}
}

// Package mbox implements the 21264 memory pipeline core: the load and
// store queues, store-to-load forwarding, the Dcache/Bcache probe
// protocol, the miss address file and I/O write buffer, the data
// translation buffer, and the cooperative scheduler that drives them.
//
// Three classes of participants touch an Mbox concurrently: the issue
// threads publish references through GetLQSlot/GetSQSlot and
// ReadMem/WriteMem, the Mbox worker drains the queues, and the system
// interface delivers MAFComplete/IOWBComplete. Queue contents are guarded
// by a single Mbox mutex paired with a condition variable; the slot
// allocators carry their own short-section mutexes, acquired before the
// Mbox mutex.
package mbox

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sarchlab/axpsim/cache"
	"github.com/sarchlab/axpsim/ibox"
	"github.com/sarchlab/axpsim/insts"
)

// ErrMissingDependency is returned by Init when a required collaborator
// was not provided.
var ErrMissingDependency = errors.New("mbox: missing dependency")

// System is the Cbox-facing notification surface. Implementations must not
// call back into the Mbox from within a notification; they enqueue and
// service the request from their own context.
type System interface {
	// MAFReady announces a newly filed miss.
	MAFReady(index int)
	// IOWBReady announces a newly filed I/O request.
	IOWBReady(index int)
	// VictimEvicted hands a displaced Dcache line to the victim buffer.
	VictimEvicted(v cache.Victim)
}

type nopSystem struct{}

func (nopSystem) MAFReady(int)               {}
func (nopSystem) IOWBReady(int)              {}
func (nopSystem) VictimEvicted(cache.Victim) {}

type nopSink struct{}

func (nopSink) PostEvent(ibox.Event) {}

// Mbox is one CPU's memory pipeline.
type Mbox struct {
	cfg    Config
	window *ibox.Window
	dcache *cache.Dcache
	bcache *cache.Bcache
	system System
	events ibox.EventSink
	trace  io.Writer

	// lqMu and sqMu guard slot allocation only; mu guards everything
	// else. Lock order: lqMu/sqMu before mu.
	lqMu sync.Mutex
	sqMu sync.Mutex
	mu   sync.Mutex
	cond *sync.Cond

	lq     []QueueEntry
	sq     []QueueEntry
	lqNext uint32
	sqNext uint32

	maf  *missFile
	iowb *missFile

	dtb  *DTB
	iprs IPRs
	mode Mode

	lockFlag     bool
	lockPhysAddr uint64

	dirty    bool
	stopping bool
	running  bool
	wg       sync.WaitGroup
}

// Option configures an Mbox.
type Option func(*Mbox)

// WithEventSink routes fault events to the given sink.
func WithEventSink(sink ibox.EventSink) Option {
	return func(m *Mbox) {
		m.events = sink
	}
}

// WithSystem connects the system interface that services misses.
func WithSystem(system System) Option {
	return func(m *Mbox) {
		m.system = system
	}
}

// WithTrace writes a line per state transition to w.
func WithTrace(w io.Writer) Option {
	return func(m *Mbox) {
		m.trace = w
	}
}

// New creates an Mbox over the given instruction window and caches, and
// initializes it to the architectural reset state.
func New(
	cfg Config,
	window *ibox.Window,
	dcache *cache.Dcache,
	bcache *cache.Bcache,
	opts ...Option,
) (*Mbox, error) {
	m := &Mbox{
		cfg:    cfg,
		window: window,
		dcache: dcache,
		bcache: bcache,
		system: nopSystem{},
		events: nopSink{},
	}
	m.cond = sync.NewCond(&m.mu)

	for _, opt := range opts {
		opt(m)
	}

	if err := m.Init(); err != nil {
		return nil, err
	}
	return m, nil
}

// Init resets the Mbox to its architectural power-up state: all queue
// slots free, the DTB and miss files empty, every Dcache line invalid with
// its duplicate tag cleared, and the IPRs at their reset values (both
// Dcache ways enabled, alternate mode kernel). It reports an error only
// when a required collaborator is missing.
func (m *Mbox) Init() error {
	if m.window == nil {
		return fmt.Errorf("%w: instruction window", ErrMissingDependency)
	}
	if m.dcache == nil {
		return fmt.Errorf("%w: dcache", ErrMissingDependency)
	}
	if m.bcache == nil {
		return fmt.Errorf("%w: bcache", ErrMissingDependency)
	}
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lq = make([]QueueEntry, m.cfg.QueueLen)
	m.sq = make([]QueueEntry, m.cfg.QueueLen)
	for i := range m.lq {
		m.lq[i].reset()
		m.sq[i].reset()
	}
	m.lqNext = 0
	m.sqNext = 0

	m.maf = newMissFile(m.cfg.MAFLen)
	m.iowb = newMissFile(m.cfg.IOWBLen)

	m.dtb = NewDTB(m.cfg.DTBLen)
	m.iprs.reset()
	m.mode = Kernel

	m.dcache.Reset()
	m.dcache.SetWayEnable(m.iprs.DcCtl.SetEn)

	m.lockFlag = false
	m.lockPhysAddr = 0
	m.dirty = false

	return nil
}

// Start launches the Mbox worker. The worker owns the queue walk: it
// sleeps on the condition variable and performs one full LQ-then-SQ pass
// per wakeup, repeating while passes make progress.
func (m *Mbox) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopping = false
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
}

// Stop terminates the worker and waits for it to exit.
func (m *Mbox) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	m.cond.Broadcast()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Mbox) run() {
	defer m.wg.Done()

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		for !m.dirty && !m.stopping {
			m.cond.Wait()
		}
		if m.stopping {
			return
		}
		m.dirty = false

		// Keep walking while transitions unblock further transitions,
		// such as a committed store releasing a stalled load.
		for m.processQueues() {
		}
	}
}

// signalLocked wakes the worker; callers hold mu.
func (m *Mbox) signalLocked() {
	m.dirty = true
	m.cond.Signal()
}

// ReadMem publishes a load into its allocated LQ slot. The entry becomes
// visible to the scheduler in the Initial state and the worker is
// signalled.
func (m *Mbox) ReadMem(h ibox.Handle, slot uint32, virtAddr uint64) {
	instr, ok := m.window.View(h)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if int(slot) >= len(m.lq) {
		return
	}
	entry := &m.lq[slot]
	entry.VirtAddr = virtAddr
	entry.Instr = h
	entry.uid = instr.UniqueID
	entry.Opcode = instr.Opcode
	entry.lenStall = instr.LenStall
	entry.pc = instr.PC
	entry.aDest = instr.Dest
	entry.LockCond = insts.IsLoadLocked(instr.Opcode)
	entry.State = QInitial

	m.tracef("lq[%d] publish va=%#x uid=%d op=%#x", slot, virtAddr,
		entry.uid, entry.Opcode)
	m.signalLocked()
}

// WriteMem publishes a store with its data into its allocated SQ slot and
// signals the worker.
func (m *Mbox) WriteMem(h ibox.Handle, slot uint32, virtAddr, value uint64) {
	instr, ok := m.window.View(h)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if int(slot) >= len(m.sq) {
		return
	}
	entry := &m.sq[slot]
	entry.VirtAddr = virtAddr
	entry.Value = value
	entry.Instr = h
	entry.uid = instr.UniqueID
	entry.Opcode = instr.Opcode
	entry.lenStall = instr.LenStall
	// The width is fixed by the opcode, so stores are forwardable from
	// the moment they are published.
	entry.Len, _ = insts.AccessWidth(instr.Opcode, instr.LenStall)
	entry.pc = instr.PC
	entry.aDest = instr.Dest
	entry.LockCond = insts.IsStoreConditional(instr.Opcode)
	entry.State = QInitial

	m.tracef("sq[%d] publish va=%#x uid=%d op=%#x", slot, virtAddr,
		entry.uid, entry.Opcode)
	m.signalLocked()
}

// RetireStore tells the Mbox that the store owning the slot has retired;
// the entry becomes eligible to commit. This is the ordering barrier that
// keeps speculative stores out of the caches.
func (m *Mbox) RetireStore(slot uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(slot) >= len(m.sq) {
		return
	}
	switch m.sq[slot].State {
	case SQWritePending:
		m.sq[slot].State = SQReady
		m.tracef("sq[%d] ready", slot)
		m.signalLocked()
	case QAssigned, QInitial:
		// Retirement raced ahead of translation; commit as soon as the
		// entry reaches SQWritePending.
		m.sq[slot].retiredEarly = true
	}
}

// MAFComplete is the system-interface callback announcing that the fill
// for a miss has reached the Bcache. The scheduler re-probes the caches on
// its next pass. Completions for orphaned entries are dropped.
func (m *Mbox) MAFComplete(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maf.complete(index, ReadData) {
		m.tracef("maf[%d] complete", index)
		m.signalLocked()
	}
}

// IOWBComplete is the system-interface callback acknowledging an I/O
// request. For I/O loads the payload must be filled via FillIOWB first.
func (m *Mbox) IOWBComplete(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.iowb.complete(index, WriteAck) {
		m.tracef("iowb[%d] complete", index)
		m.signalLocked()
	}
}

// FillIOWB deposits read data from an I/O device into an IOWB entry ahead
// of its completion callback.
func (m *Mbox) FillIOWB(index int, data uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iowb.setData(index, data)
}

// MAFEntry returns a copy of the indexed miss entry for the system
// interface to service.
func (m *Mbox) MAFEntry(index int) (MissEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maf.entry(index)
}

// IOWBEntry returns a copy of the indexed I/O request.
func (m *Mbox) IOWBEntry(index int) (MissEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iowb.entry(index)
}

// InstructionRetired applies the retirement side effects of a memory
// instruction: a retiring load-locked establishes the lock flag, and any
// store-conditional clears it.
func (m *Mbox) InstructionRetired(instr insts.Instruction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if instr.LockFlagPending {
		m.lockFlag = true
		m.lockPhysAddr = instr.LockPhysAddrPending
	}
	if instr.ClearLockPending {
		m.lockFlag = false
	}
}

// QueueLen returns the load/store queue depth, which doubles as the
// queue-full sentinel returned by the slot allocators.
func (m *Mbox) QueueLen() int {
	return m.cfg.QueueLen
}

// LockFlag reports the CPU lock flag.
func (m *Mbox) LockFlag() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockFlag
}

// EntryState returns the state of a queue slot.
func (m *Mbox) EntryState(kind QueueKind, slot uint32) EntryState {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case LoadQueue:
		if int(slot) < len(m.lq) {
			return m.lq[slot].State
		}
	case StoreQueue:
		if int(slot) < len(m.sq) {
			return m.sq[slot].State
		}
	}
	return QNotInUse
}

// processQueues performs one full pass: every LQ entry, then every SQ
// entry, each advanced as far as its state machine allows. Entries that
// reach a terminal state are finalized within the same pass. Strict index
// order is sufficient for fairness because slots are allocated in program
// order. Called with mu held; reports whether any entry changed state.
func (m *Mbox) processQueues() bool {
	progressed := false

	for i := range m.lq {
		switch m.lq[i].State {
		case QInitial:
			m.lqInit(uint32(i))
			progressed = true
		case LQReadPending:
			if m.lqPending(uint32(i)) {
				progressed = true
			}
		}

		if m.lq[i].State == LQComplete {
			m.lqComplete(uint32(i))
			progressed = true
		}
	}

	for i := range m.sq {
		switch m.sq[i].State {
		case QInitial:
			m.sqInit(uint32(i))
			progressed = true
		case SQReady:
			if m.sqCommit(uint32(i)) {
				progressed = true
			}
		}

		if m.sq[i].State == SQComplete {
			m.sqFinalize(uint32(i))
			progressed = true
		}
	}

	return progressed
}

// isIOAddr reports whether the physical address falls in the MMIO region.
func (m *Mbox) isIOAddr(pa uint64) bool {
	return pa >= m.cfg.MMIOBase
}

// va2pa translates a virtual address, honoring superpage mode for kernel
// references when enabled. Failures come back as a fault, never as a
// sentinel physical address.
func (m *Mbox) va2pa(va uint64, kind AccessKind) Translation {
	if m.iprs.MCtl.SPE != 0 && m.mode == Kernel &&
		va&superpageBase == superpageBase {
		return Translation{PA: va &^ superpageBase, OK: true}
	}
	return m.dtb.Translate(va, m.iprs.DtbAsn0.ASN, m.mode, kind)
}

// postEvent reports a fault up to the Ibox and latches MM_STAT.
func (m *Mbox) postEvent(entry *QueueEntry, fault ibox.Fault, write bool) {
	m.iprs.recordFault(fault, write, uint8(entry.Opcode))
	m.events.PostEvent(ibox.Event{
		Fault:    fault,
		PC:       entry.pc,
		VirtAddr: entry.VirtAddr,
		Opcode:   entry.Opcode,
		Dest:     entry.aDest,
		Read:     !write,
		Write:    write,
	})
}

func (m *Mbox) tracef(format string, args ...any) {
	if m.trace != nil {
		fmt.Fprintf(m.trace, "mbox: "+format+"\n", args...)
	}
}

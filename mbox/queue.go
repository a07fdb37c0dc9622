package mbox

import (
	"github.com/sarchlab/axpsim/ibox"
	"github.com/sarchlab/axpsim/insts"
)

// EntryState is the state of a load or store queue entry. Entries move
// through a linear progression; QNotInUse, LQComplete, and SQComplete are
// terminal.
type EntryState int

const (
	// QNotInUse means the slot is free.
	QNotInUse EntryState = iota
	// QAssigned means the allocator handed the slot out but the payload
	// has not been published yet.
	QAssigned
	// QInitial means the entry is published and awaits translation.
	QInitial
	// LQReadPending means the load awaits forwarding, a cache fill, or an
	// I/O completion.
	LQReadPending
	// LQComplete means the load value is materialized in the instruction's
	// destination.
	LQComplete
	// SQWritePending means the store is translated and waits for its
	// instruction to retire.
	SQWritePending
	// SQReady means the owning instruction retired and the store may
	// commit.
	SQReady
	// SQComplete means the store's memory effect is applied.
	SQComplete
)

// String returns the state name.
func (s EntryState) String() string {
	switch s {
	case QNotInUse:
		return "QNotInUse"
	case QAssigned:
		return "Assigned"
	case QInitial:
		return "Initial"
	case LQReadPending:
		return "LQReadPending"
	case LQComplete:
		return "LQComplete"
	case SQWritePending:
		return "SQWritePending"
	case SQReady:
		return "SQReady"
	case SQComplete:
		return "SQComplete"
	default:
		return "Unknown"
	}
}

// noMiss marks a queue entry with no outstanding MAF/IOWB request.
const noMiss = -1

// QueueEntry is one load-queue or store-queue slot. The identity fields
// (Instr, uid, Opcode) are cached at publish time; everything else becomes
// meaningful as the entry advances: PhysAddr and IOFlag from translation
// onward, Value only for stores.
type QueueEntry struct {
	State EntryState

	VirtAddr   uint64
	PhysAddr   uint64
	Translated bool

	Len   uint32
	Value uint64

	Instr    ibox.Handle
	uid      uint64
	Opcode   insts.Opcode
	lenStall uint8
	pc       uint64
	aDest    uint8

	IOFlag   bool
	LockCond bool

	// missIdx tracks the MAF or IOWB entry issued for this slot; noMiss
	// when none is outstanding.
	missIdx  int
	missIOWB bool

	// retiredEarly records a RetireStore that arrived before the entry
	// finished translating.
	retiredEarly bool
}

func (e *QueueEntry) reset() {
	*e = QueueEntry{missIdx: noMiss}
}

// GetLQSlot allocates the next load-queue slot in program order. It
// returns the queue length as a sentinel when the queue is full; the
// caller must stall the issuing instruction.
func (m *Mbox) GetLQSlot() uint32 {
	m.lqMu.Lock()
	defer m.lqMu.Unlock()

	if m.lqNext >= uint32(len(m.lq)) && !m.reclaimLQ() {
		return uint32(len(m.lq))
	}

	slot := m.lqNext
	m.lqNext++

	m.mu.Lock()
	m.lq[slot].reset()
	m.lq[slot].State = QAssigned
	m.mu.Unlock()

	return slot
}

// GetSQSlot allocates the next store-queue slot in program order, with the
// same sentinel convention as GetLQSlot.
func (m *Mbox) GetSQSlot() uint32 {
	m.sqMu.Lock()
	defer m.sqMu.Unlock()

	if m.sqNext >= uint32(len(m.sq)) && !m.reclaimSQ() {
		return uint32(len(m.sq))
	}

	slot := m.sqNext
	m.sqNext++

	m.mu.Lock()
	m.sq[slot].reset()
	m.sq[slot].State = QAssigned
	m.mu.Unlock()

	return slot
}

// reclaimLQ rewinds the allocation index when the exhausted queue has
// fully drained. This is the only point where lqNext decreases; it is a
// queue reset, so the index stays monotonic between resets. Called with
// lqMu held.
func (m *Mbox) reclaimLQ() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.lq {
		if m.lq[i].State != QNotInUse {
			return false
		}
	}
	m.lqNext = 0
	return true
}

// reclaimSQ is the store-queue analog of reclaimLQ. Called with sqMu held.
func (m *Mbox) reclaimSQ() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.sq {
		if m.sq[i].State != QNotInUse {
			return false
		}
	}
	m.sqNext = 0
	return true
}

// QueueKind selects the load or store queue in slot-addressed operations.
type QueueKind int

const (
	// LoadQueue addresses the LQ.
	LoadQueue QueueKind = iota
	// StoreQueue addresses the SQ.
	StoreQueue
)

// RevokeSlot squashes a queue entry: the slot returns to QNotInUse with no
// observable effect on architectural registers or memory, and any
// outstanding MAF/IOWB request for the slot is orphaned so its completion
// is dropped.
func (m *Mbox) RevokeSlot(kind QueueKind, slot uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entry *QueueEntry
	switch kind {
	case LoadQueue:
		if int(slot) >= len(m.lq) {
			return
		}
		entry = &m.lq[slot]
	case StoreQueue:
		if int(slot) >= len(m.sq) {
			return
		}
		entry = &m.sq[slot]
	default:
		return
	}

	if entry.missIdx != noMiss {
		if entry.missIOWB {
			m.iowb.orphan(entry.missIdx)
		} else {
			m.maf.orphan(entry.missIdx)
		}
	}
	entry.reset()
	m.signalLocked()
}

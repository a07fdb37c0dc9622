package mbox

import (
	"github.com/sarchlab/axpsim/ibox"
	"github.com/sarchlab/axpsim/insts"
)

// sqInit advances a freshly published store: derive the access width,
// translate with write intent, and classify the reference. The entry then
// parks in SQWritePending until the Ibox retires the owning instruction;
// speculative stores never touch the caches. Called with mu held.
func (m *Mbox) sqInit(slot uint32) {
	entry := &m.sq[slot]

	width, ok := insts.AccessWidth(entry.Opcode, entry.lenStall)
	if !ok {
		entry.reset()
		return
	}
	entry.Len = width

	if insts.RequiresAlignment(entry.Opcode) &&
		entry.VirtAddr%uint64(width) != 0 {
		m.postEvent(entry, ibox.FaultAlignment, true)
		entry.reset()
		return
	}

	tr := m.va2pa(entry.VirtAddr, AccessWrite)
	if !tr.OK {
		m.postEvent(entry, tr.Fault, true)
		entry.reset()
		return
	}

	entry.PhysAddr = tr.PA
	entry.Translated = true
	entry.IOFlag = m.isIOAddr(tr.PA)
	entry.State = SQWritePending
	if entry.retiredEarly {
		entry.State = SQReady
	}
	m.tracef("sq[%d] translated pa=%#x io=%v", slot, tr.PA, entry.IOFlag)
}

// sqCommit applies a retired store to the memory system. Reports whether
// the entry made progress. Called with mu held.
func (m *Mbox) sqCommit(slot uint32) bool {
	entry := &m.sq[slot]

	if entry.LockCond {
		return m.sqCommitConditional(slot)
	}

	if entry.IOFlag {
		return m.sqCommitIO(slot)
	}

	// A fill requested on an earlier pass may have arrived.
	if entry.missIdx != noMiss {
		miss, ok := m.maf.entry(entry.missIdx)
		if ok && !miss.Complete {
			return false
		}
		m.maf.release(entry.missIdx)
		entry.missIdx = noMiss
	}

	if !m.dcache.Write(entry.VirtAddr, entry.PhysAddr, entry.Len, entry.Value) {
		if !m.ensureDcacheResident(entry, slot) {
			return entry.missIdx != noMiss
		}
		if !m.dcache.Write(entry.VirtAddr, entry.PhysAddr, entry.Len, entry.Value) {
			return false
		}
	}

	entry.State = SQComplete
	m.tracef("sq[%d] committed pa=%#x", slot, entry.PhysAddr)
	return true
}

// sqCommitConditional resolves a store-conditional. It succeeds only while
// the lock flag holds and the reserved block's lock bit survived the
// coherence traffic since the load-locked; the result lands in the
// instruction's destination. Either way the lock flag is consumed.
func (m *Mbox) sqCommitConditional(slot uint32) bool {
	entry := &m.sq[slot]

	success := m.lockFlag &&
		m.cfg.Dcache.BlockAddr(m.lockPhysAddr) == m.cfg.Dcache.BlockAddr(entry.PhysAddr) &&
		m.dcache.IsLocked(entry.PhysAddr)
	if success {
		m.dcache.Write(entry.VirtAddr, entry.PhysAddr, entry.Len, entry.Value)
		m.dcache.ClearLock(entry.PhysAddr)
	}

	var destv uint64
	if success {
		destv = 1
	}
	m.window.Update(entry.Instr, func(in *insts.Instruction) {
		in.DestV = destv
		in.ClearLockPending = true
	})
	m.lockFlag = false

	entry.State = SQComplete
	m.tracef("sq[%d] store-conditional success=%v", slot, success)
	return true
}

// sqCommitIO routes a retired MMIO store through the I/O write buffer and
// waits for the acknowledgment.
func (m *Mbox) sqCommitIO(slot uint32) bool {
	entry := &m.sq[slot]

	if entry.missIdx == noMiss {
		index, ok := m.iowb.add(MissStore, entry.PhysAddr, slot,
			entry.Value, entry.Len)
		if !ok {
			return false
		}
		entry.missIdx = index
		entry.missIOWB = true
		m.tracef("sq[%d] iowb[%d] filed pa=%#x", slot, index, entry.PhysAddr)
		m.system.IOWBReady(index)
		return true
	}

	req, ok := m.iowb.entry(entry.missIdx)
	if ok && !req.Complete {
		return false
	}
	m.iowb.release(entry.missIdx)
	entry.missIdx = noMiss
	entry.missIOWB = false
	entry.State = SQComplete
	return true
}

// sqFinalize frees a committed store's slot. Called with mu held.
func (m *Mbox) sqFinalize(slot uint32) {
	entry := &m.sq[slot]
	m.tracef("sq[%d] finalize uid=%d", slot, entry.uid)
	entry.reset()
}

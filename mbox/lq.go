package mbox

import (
	"github.com/sarchlab/axpsim/cache"
	"github.com/sarchlab/axpsim/ibox"
	"github.com/sarchlab/axpsim/insts"
)

// lqInit advances a freshly published load: derive the access width from
// the opcode, translate the address, classify the reference as memory or
// I/O, and start the read. Faults discard the entry after reporting up to
// the Ibox. Called with mu held.
func (m *Mbox) lqInit(slot uint32) {
	entry := &m.lq[slot]

	width, ok := insts.AccessWidth(entry.Opcode, entry.lenStall)
	if !ok {
		entry.reset()
		return
	}
	entry.Len = width

	if insts.RequiresAlignment(entry.Opcode) &&
		entry.VirtAddr%uint64(width) != 0 {
		m.postEvent(entry, ibox.FaultAlignment, false)
		entry.reset()
		return
	}

	tr := m.va2pa(entry.VirtAddr, AccessRead)
	if !tr.OK {
		m.postEvent(entry, tr.Fault, false)
		entry.reset()
		return
	}

	entry.PhysAddr = tr.PA
	entry.Translated = true
	entry.IOFlag = m.isIOAddr(tr.PA)
	entry.State = LQReadPending
	m.tracef("lq[%d] translated pa=%#x io=%v", slot, tr.PA, entry.IOFlag)

	if entry.IOFlag {
		m.lqStartIO(slot)
		return
	}
	m.tryCaches(slot)
}

// lqStartIO files an IOWB read request for an MMIO load. A full IOWB
// leaves the entry pending; each scheduler pass retries.
func (m *Mbox) lqStartIO(slot uint32) bool {
	entry := &m.lq[slot]
	index, ok := m.iowb.add(MissLoad, entry.PhysAddr, slot, 0, entry.Len)
	if !ok {
		return false
	}
	entry.missIdx = index
	entry.missIOWB = true
	m.tracef("lq[%d] iowb[%d] filed pa=%#x", slot, index, entry.PhysAddr)
	m.system.IOWBReady(index)
	return true
}

// lqPending re-examines a pending load. Loads with an outstanding miss
// wait for its completion; everything else re-runs forwarding and cache
// probing. Reports whether the entry made progress. Called with mu held.
func (m *Mbox) lqPending(slot uint32) bool {
	entry := &m.lq[slot]

	if entry.missIdx != noMiss {
		if entry.missIOWB {
			return m.lqFinishIO(slot)
		}
		miss, ok := m.maf.entry(entry.missIdx)
		if ok && !miss.Complete {
			return false
		}
		// The fill reached the Bcache; release the MAF slot and probe
		// again.
		m.maf.release(entry.missIdx)
		entry.missIdx = noMiss
		m.tryCaches(slot)
		return true
	}

	if entry.IOFlag {
		return m.lqStartIO(slot)
	}

	before := entry.State
	missBefore := entry.missIdx
	m.tryCaches(slot)
	return entry.State != before || entry.missIdx != missBefore
}

// lqFinishIO completes an MMIO load once the IOWB entry carries its data.
func (m *Mbox) lqFinishIO(slot uint32) bool {
	entry := &m.lq[slot]
	req, ok := m.iowb.entry(entry.missIdx)
	if !ok {
		entry.missIdx = noMiss
		entry.missIOWB = false
		return true
	}
	if !req.Complete {
		return false
	}

	destv := insts.ExtendValue(entry.Opcode, req.Data, entry.Len)
	m.window.Update(entry.Instr, func(in *insts.Instruction) {
		in.DestV = destv
	})
	m.iowb.release(entry.missIdx)
	entry.missIdx = noMiss
	entry.missIOWB = false
	entry.State = LQComplete
	return true
}

// tryCaches resolves a pending memory load: first from the store queue,
// then from the Dcache, then from the Bcache, and finally by filing a
// miss. Called with mu held and the entry in LQReadPending.
func (m *Mbox) tryCaches(slot uint32) {
	entry := &m.lq[slot]

	// A retired store that has not committed yet is neither a forwarding
	// source nor visible in the cache; an overlapping load waits for it.
	for i := range m.sq {
		s := &m.sq[i]
		if s.State == SQReady && s.uid < entry.uid && overlaps(s, entry) {
			return
		}
	}

	srcIdx, outcome := m.findOlderStore(entry)
	switch outcome {
	case forwardStall:
		// An older overlapping store must commit first; neither the
		// store queue nor the cache holds the load's bytes yet.
		return

	case forwardHit:
		// A load-locked must still have the block resident to register
		// its reservation; pull it in before consuming the forwarded
		// value.
		if entry.LockCond &&
			m.dcache.Status(entry.VirtAddr, entry.PhysAddr) == cache.Miss {
			if !m.ensureDcacheResident(entry, slot) {
				return
			}
		}

		destv := insts.ExtendValue(entry.Opcode, m.sq[srcIdx].Value, entry.Len)
		m.window.Update(entry.Instr, func(in *insts.Instruction) {
			in.DestV = destv
		})
		entry.State = LQComplete
		m.tracef("lq[%d] forwarded from sq[%d] destv=%#x", slot, srcIdx, destv)
		return
	}

	if m.dcache.Status(entry.VirtAddr, entry.PhysAddr) == cache.Miss {
		if !m.ensureDcacheResident(entry, slot) {
			return
		}
	}

	raw, ok := m.dcache.Read(entry.VirtAddr, entry.PhysAddr, entry.Len)
	if !ok {
		return
	}
	destv := insts.ExtendValue(entry.Opcode, raw, entry.Len)
	m.window.Update(entry.Instr, func(in *insts.Instruction) {
		in.DestV = destv
	})
	entry.State = LQComplete
	m.tracef("lq[%d] cache read destv=%#x", slot, destv)
}

// ensureDcacheResident brings the entry's block into the Dcache from the
// Bcache, or files a MAF miss when both caches miss. Reports whether the
// block is now resident. Called with mu held.
func (m *Mbox) ensureDcacheResident(entry *QueueEntry, slot uint32) bool {
	if m.bcache.Status(entry.PhysAddr) == cache.Hit {
		m.copyBcacheToDcache(entry.VirtAddr, entry.PhysAddr)
		return true
	}

	kind := MissLoad
	var data uint64
	if entry.State == SQReady {
		kind = MissStore
		data = entry.Value
	}
	index, ok := m.maf.add(kind, entry.PhysAddr, slot, data, entry.Len)
	if !ok {
		// MAF full: the entry stalls where it is and retries on the
		// next pass.
		return false
	}
	entry.missIdx = index
	entry.missIOWB = false
	m.tracef("maf[%d] filed pa=%#x slot=%d", index, entry.PhysAddr, slot)
	m.system.MAFReady(index)
	return false
}

// copyBcacheToDcache moves a block into the Dcache. A displaced dirty
// victim updates the Bcache's copy of its block, when resident, and goes to
// the system victim buffer.
func (m *Mbox) copyBcacheToDcache(va, pa uint64) {
	line, ok := m.bcache.ReadLine(pa)
	if !ok {
		return
	}
	victim, evicted := m.dcache.Fill(va, pa, line)
	if evicted && victim.Dirty {
		m.bcache.WriteLine(victim.PhysAddr, victim.Data)
		m.system.VictimEvicted(victim)
	}
}

// lqComplete finalizes a completed load: register any lock reservation,
// mark the instruction ready to retire, and free the slot. Called with mu
// held.
func (m *Mbox) lqComplete(slot uint32) {
	entry := &m.lq[slot]

	if entry.LockCond {
		m.dcache.Lock(entry.PhysAddr)
		m.window.Update(entry.Instr, func(in *insts.Instruction) {
			in.LockFlagPending = true
			in.LockPhysAddrPending = entry.PhysAddr
			in.LockVirtAddrPending = entry.VirtAddr
		})
	}

	m.window.Update(entry.Instr, func(in *insts.Instruction) {
		in.State = insts.WaitingRetirement
	})

	m.tracef("lq[%d] complete uid=%d", slot, entry.uid)
	entry.reset()
}

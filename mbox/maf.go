package mbox

// MissKind records which queue a miss originated from.
type MissKind int

const (
	// MissLoad is an LDx miss.
	MissLoad MissKind = iota
	// MissStore is an STx miss.
	MissStore
)

// SysCmd is the request command a miss carries to the system interface.
type SysCmd int

const (
	// NOPCmd means no request.
	NOPCmd SysCmd = iota
	// RdBlk requests a block fill for a load miss.
	RdBlk
	// RdBlkMod requests a block fill with write intent for a store miss.
	RdBlkMod
	// WrVictimBlk writes an evicted victim block back to the system.
	WrVictimBlk
)

// SysDataCtl is the response code the system interface returns.
type SysDataCtl int

const (
	// NOPSysdc means no response yet.
	NOPSysdc SysDataCtl = iota
	// ReadData is a clean fill response.
	ReadData
	// ReadDataDirty is a fill response carrying dirty data.
	ReadDataDirty
	// WriteAck acknowledges an I/O or victim write.
	WriteAck
)

// MissEntry is one MAF or IOWB record. Slot refers to the LQ/SQ entry that
// issued the miss and stays bound to it until that entry is reclaimed or
// the miss is orphaned by a revoke.
type MissEntry struct {
	Kind MissKind
	PA   uint64
	Slot uint32
	Data uint64
	Len  uint32

	Rq  SysCmd
	Rsp SysDataCtl

	InUse    bool
	Complete bool
	Orphaned bool
}

// missFile is the bounded array backing both the MAF and the IOWB. All
// methods are called with the Mbox mutex held.
type missFile struct {
	entries []MissEntry
}

func newMissFile(capacity int) *missFile {
	return &missFile{entries: make([]MissEntry, capacity)}
}

func (f *missFile) reset() {
	for i := range f.entries {
		f.entries[i] = MissEntry{}
	}
}

// add records a miss and returns its index, or false when the file is
// full. A full file stalls the issuing queue entry, which retries on a
// later scheduler pass.
func (f *missFile) add(kind MissKind, pa uint64, slot uint32, data uint64, length uint32) (int, bool) {
	for i := range f.entries {
		if f.entries[i].InUse {
			continue
		}
		rq := RdBlk
		if kind == MissStore {
			rq = RdBlkMod
		}
		f.entries[i] = MissEntry{
			Kind:  kind,
			PA:    pa,
			Slot:  slot,
			Data:  data,
			Len:   length,
			Rq:    rq,
			InUse: true,
		}
		return i, true
	}
	return 0, false
}

func (f *missFile) entry(index int) (MissEntry, bool) {
	if index < 0 || index >= len(f.entries) {
		return MissEntry{}, false
	}
	e := f.entries[index]
	return e, e.InUse
}

// complete flags the entry's response as delivered. Completions for
// orphaned entries release the slot and report false.
func (f *missFile) complete(index int, rsp SysDataCtl) bool {
	if index < 0 || index >= len(f.entries) || !f.entries[index].InUse {
		return false
	}
	e := &f.entries[index]
	if e.Orphaned {
		*e = MissEntry{}
		return false
	}
	e.Complete = true
	e.Rsp = rsp
	return true
}

func (f *missFile) setData(index int, data uint64) {
	if index < 0 || index >= len(f.entries) || !f.entries[index].InUse {
		return
	}
	f.entries[index].Data = data
}

func (f *missFile) release(index int) {
	if index < 0 || index >= len(f.entries) {
		return
	}
	f.entries[index] = MissEntry{}
}

// orphan detaches the entry from its revoked queue slot; a later
// completion is dropped.
func (f *missFile) orphan(index int) {
	if index < 0 || index >= len(f.entries) || !f.entries[index].InUse {
		return
	}
	f.entries[index].Orphaned = true
}

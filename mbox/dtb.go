package mbox

import "github.com/sarchlab/axpsim/ibox"

// AccessKind distinguishes read from write references for protection
// checks and fault selection.
type AccessKind int

const (
	// AccessRead is a load reference.
	AccessRead AccessKind = iota
	// AccessWrite is a store reference.
	AccessWrite
)

// basePageSize is the Alpha page size; granularity hints scale it by 8x
// per step.
const basePageSize = 8 * 1024

// superpageBase marks kernel-mode superpage references: the top sixteen
// virtual address bits all set. Such references identity-map the low 48
// bits when mCtl.spe enables it.
const superpageBase = 0xFFFF_0000_0000_0000

// DTBEntry is one data translation buffer entry. Entries are written by
// PALcode through the dtbTag/dtbPte register pairs; the memory pipeline
// only reads them.
type DTBEntry struct {
	VirtTag  uint64
	PhysPage uint64

	// MatchMask selects the VA bits compared against VirtTag; KeepMask
	// selects the within-page bits carried into the physical address.
	MatchMask uint64
	KeepMask  uint64

	KRE, ERE, SRE, URE bool
	KWE, EWE, SWE, UWE bool
	FOR, FOW, FOE      bool

	ASN   uint8
	ASM   bool
	GH    uint8
	Valid bool
}

// Translation is the outcome of a DTB lookup.
type Translation struct {
	PA    uint64
	ASM   bool
	Fault ibox.Fault
	OK    bool
}

// DTB is the data-side translation buffer: a fixed array of entries filled
// round-robin by PALcode.
type DTB struct {
	entries []DTBEntry
	next    int
}

// NewDTB creates a DTB with capacity entries, all invalid.
func NewDTB(capacity int) *DTB {
	return &DTB{
		entries: make([]DTBEntry, capacity),
	}
}

// Reset invalidates every entry.
func (d *DTB) Reset() {
	for i := range d.entries {
		d.entries[i] = DTBEntry{}
	}
	d.next = 0
}

// Fill installs a translation from a tag/PTE register pair, replacing the
// round-robin victim.
func (d *DTB) Fill(tag DtbTag, pte DtbPTE, asn uint8) {
	pageMask := uint64(basePageSize)<<(3*pte.GH) - 1

	entry := DTBEntry{
		VirtTag:   tag.VA &^ pageMask,
		PhysPage:  pte.PA &^ pageMask,
		MatchMask: ^pageMask,
		KeepMask:  pageMask,
		KRE:       pte.KRE, ERE: pte.ERE, SRE: pte.SRE, URE: pte.URE,
		KWE: pte.KWE, EWE: pte.EWE, SWE: pte.SWE, UWE: pte.UWE,
		FOR: pte.FOR, FOW: pte.FOW, FOE: pte.FOE,
		ASN:   asn,
		ASM:   pte.ASM,
		GH:    pte.GH,
		Valid: true,
	}

	d.entries[d.next] = entry
	d.next = (d.next + 1) % len(d.entries)
}

// Invalidate drops the entry matching va, if any.
func (d *DTB) Invalidate(va uint64) {
	for i := range d.entries {
		e := &d.entries[i]
		if e.Valid && va&e.MatchMask == e.VirtTag {
			e.Valid = false
		}
	}
}

// InvalidateASN drops every non-ASM entry belonging to the given address
// space.
func (d *DTB) InvalidateASN(asn uint8) {
	for i := range d.entries {
		e := &d.entries[i]
		if e.Valid && !e.ASM && e.ASN == asn {
			e.Valid = false
		}
	}
}

// Translate looks up va for the given address space, privilege mode, and
// access kind. A translation failure or protection denial is reported via
// the Fault field; the PA field is meaningful only when OK is true.
func (d *DTB) Translate(va uint64, asn uint8, mode Mode, kind AccessKind) Translation {
	for i := range d.entries {
		e := &d.entries[i]
		if !e.Valid || va&e.MatchMask != e.VirtTag {
			continue
		}
		if !e.ASM && e.ASN != asn {
			continue
		}

		if !e.accessAllowed(mode, kind) {
			return Translation{Fault: ibox.FaultACV}
		}
		if kind == AccessRead && e.FOR {
			return Translation{Fault: ibox.FaultFOR}
		}
		if kind == AccessWrite && e.FOW {
			return Translation{Fault: ibox.FaultFOW}
		}

		return Translation{
			PA:  e.PhysPage | va&e.KeepMask,
			ASM: e.ASM,
			OK:  true,
		}
	}

	return Translation{Fault: ibox.FaultTNV}
}

func (e *DTBEntry) accessAllowed(mode Mode, kind AccessKind) bool {
	if kind == AccessRead {
		switch mode {
		case Kernel:
			return e.KRE
		case Executive:
			return e.ERE
		case Supervisor:
			return e.SRE
		default:
			return e.URE
		}
	}
	switch mode {
	case Kernel:
		return e.KWE
	case Executive:
		return e.EWE
	case Supervisor:
		return e.SWE
	default:
		return e.UWE
	}
}

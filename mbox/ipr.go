package mbox

import "github.com/sarchlab/axpsim/ibox"

// Mode is a processor privilege level, most privileged first.
type Mode int

const (
	// Kernel mode.
	Kernel Mode = iota
	// Executive mode.
	Executive
	// Supervisor mode.
	Supervisor
	// User mode.
	User
)

// DtbTag is the DTB tag array write register (DTB_TAG0/DTB_TAG1). Writing
// it latches the virtual address of the next fill.
type DtbTag struct {
	VA uint64
}

// DtbPTE is the DTB PTE array write register (DTB_PTE0/DTB_PTE1). Writing
// it completes the fill latched by the preceding tag write.
type DtbPTE struct {
	PA uint64

	// Read-enable and write-enable bits per privilege level.
	KRE, ERE, SRE, URE bool
	KWE, EWE, SWE, UWE bool

	// Fault-on-read, fault-on-write, fault-on-execute.
	FOR, FOW, FOE bool

	// GH is the granularity hint: the page grows by 8x per step.
	GH uint8

	// ASM is the address-space-match bit; such entries match every ASN.
	ASM bool
}

// DtbAltMode is the DTB alternate processor mode register.
type DtbAltMode struct {
	AltMode Mode
}

// DtbIS is the DTB invalidate-single register; writing it drops the entry
// matching the virtual address.
type DtbIS struct {
	VA uint64
}

// DtbASN is the DTB address space number register.
type DtbASN struct {
	ASN uint8
}

// MMStat is the memory-management status register. It captures the cause
// of the most recent DTB fault and is read-only to PALcode.
type MMStat struct {
	WR        bool
	ACV       bool
	FOR       bool
	FOW       bool
	Opcode    uint8
	DcTagPerr bool
}

// MCtl is the Mbox control register.
type MCtl struct {
	// SPE enables superpage mapping for kernel-mode references.
	SPE uint8
}

// DcCtl is the Dcache control register.
type DcCtl struct {
	// SetEn enables Dcache ways; bit 0 is way 0, bit 1 is way 1.
	SetEn uint8

	FHit       bool
	FBadTpar   bool
	FBadDecc   bool
	DctagParEn bool
	DcdatErrEn bool
}

// DcStat is the Dcache status register.
type DcStat struct {
	TperrP0  bool
	TperrP1  bool
	EccErrSt bool
	EccErrLd bool
	Seo      bool
}

// IPRs aggregates the Mbox internal processor registers reachable from
// PALcode.
type IPRs struct {
	DtbTag0    DtbTag
	DtbTag1    DtbTag
	DtbPte0    DtbPTE
	DtbPte1    DtbPTE
	DtbAltMode DtbAltMode
	DtbIs0     DtbIS
	DtbIs1     DtbIS
	DtbAsn0    DtbASN
	DtbAsn1    DtbASN
	MMStat     MMStat
	MCtl       MCtl
	DcCtl      DcCtl
	DcStat     DcStat
}

// reset restores the architectural power-up values. Both Dcache ways come
// up enabled and the alternate mode is kernel.
func (r *IPRs) reset() {
	*r = IPRs{}
	r.DcCtl.SetEn = 3
	r.DtbAltMode.AltMode = Kernel
}

// recordFault latches the fault cause into MM_STAT.
func (r *IPRs) recordFault(fault ibox.Fault, write bool, opcode uint8) {
	r.MMStat = MMStat{
		WR:     write,
		ACV:    fault == ibox.FaultACV,
		FOR:    fault == ibox.FaultFOR,
		FOW:    fault == ibox.FaultFOW,
		Opcode: opcode,
	}
}

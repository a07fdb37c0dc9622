// Package ebox provides the execution-unit helpers that issue memory
// references into the Mbox: effective-address computation, queue slot
// reservation, and publication. Arithmetic and the rest of the integer
// pipeline stay outside this package.
package ebox

import (
	"errors"

	"github.com/sarchlab/axpsim/ibox"
	"github.com/sarchlab/axpsim/insts"
	"github.com/sarchlab/axpsim/mbox"
)

// ErrQueueFull signals that no LQ/SQ slot was available; the caller must
// stall the instruction and retry.
var ErrQueueFull = errors.New("ebox: memory queue full")

// R31 reads as zero and discards writes; integer loads targeting it are
// prefetch hints.
const R31 = 31

// VaCtl is the Ebox virtual-address control register. Big-endian mode
// adjusts the low virtual address bits of sub-quadword references.
type VaCtl struct {
	BEndian bool
}

// LoadStoreUnit issues memory-format instructions for one CPU.
type LoadStoreUnit struct {
	mbox   *mbox.Mbox
	window *ibox.Window
	vaCtl  VaCtl
}

// NewLoadStoreUnit creates a unit bound to the given Mbox and instruction
// window.
func NewLoadStoreUnit(m *mbox.Mbox, w *ibox.Window) *LoadStoreUnit {
	return &LoadStoreUnit{
		mbox:   m,
		window: w,
	}
}

// SetVaCtl installs the virtual-address control register.
func (lsu *LoadStoreUnit) SetVaCtl(v VaCtl) {
	lsu.vaCtl = v
}

// effectiveVA computes the reference's virtual address from the base value
// and displacement, applying the unaligned-quadword mask and the
// big-endian fixup where the opcode calls for them.
func (lsu *LoadStoreUnit) effectiveVA(instr insts.Instruction) uint64 {
	va := instr.Src1V + uint64(instr.Displacement)

	if instr.Opcode == insts.OpLDQ_U || instr.Opcode == insts.OpSTQ_U {
		return va &^ 0x7
	}

	if lsu.vaCtl.BEndian {
		if width, ok := insts.AccessWidth(instr.Opcode, instr.LenStall); ok && width < 8 {
			va ^= uint64(8 - width)
		}
	}
	return va
}

// Issue executes one memory-format instruction: address-only opcodes
// resolve immediately, prefetch hints retire without touching the Mbox,
// and everything else reserves a queue slot and publishes. ErrQueueFull
// means the instruction must be reissued later.
func (lsu *LoadStoreUnit) Issue(h ibox.Handle) error {
	instr, ok := lsu.window.View(h)
	if !ok {
		return nil
	}

	switch {
	case instr.Opcode == insts.OpLDA:
		return lsu.loadAddress(h, instr, 1)
	case instr.Opcode == insts.OpLDAH:
		return lsu.loadAddress(h, instr, insts.LDAHMultiplier)
	case insts.IsLoad(instr.Opcode):
		return lsu.issueLoad(h, instr)
	case insts.IsStore(instr.Opcode):
		return lsu.issueStore(h, instr)
	}
	return nil
}

// loadAddress implements LDA/LDAH: pure address arithmetic, ready to
// retire at once.
func (lsu *LoadStoreUnit) loadAddress(h ibox.Handle, instr insts.Instruction, mult int64) error {
	lsu.window.Update(h, func(in *insts.Instruction) {
		in.DestV = instr.Src1V + uint64(instr.Displacement*mult)
		in.State = insts.WaitingRetirement
	})
	return nil
}

func (lsu *LoadStoreUnit) issueLoad(h ibox.Handle, instr insts.Instruction) error {
	// Integer loads to R31 were converted to PREFETCH/PREFETCH_EN at
	// issue selection; they never occupy a load-queue slot.
	if instr.Dest == R31 && !insts.IsLoadLocked(instr.Opcode) {
		lsu.window.Update(h, func(in *insts.Instruction) {
			in.State = insts.WaitingRetirement
		})
		return nil
	}

	slot := lsu.mbox.GetLQSlot()
	if slot >= uint32(lsu.mbox.QueueLen()) {
		return ErrQueueFull
	}

	lsu.mbox.ReadMem(h, slot, lsu.effectiveVA(instr))
	return nil
}

func (lsu *LoadStoreUnit) issueStore(h ibox.Handle, instr insts.Instruction) error {
	slot := lsu.mbox.GetSQSlot()
	if slot >= uint32(lsu.mbox.QueueLen()) {
		return ErrQueueFull
	}

	lsu.mbox.WriteMem(h, slot, lsu.effectiveVA(instr), instr.Src2V)
	return nil
}

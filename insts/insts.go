// Package insts provides Alpha AXP memory-format instruction definitions.
//
// This package describes the slice of the instruction set the memory
// pipeline cares about: the integer and floating-point load/store opcodes,
// their access widths, and the in-flight instruction descriptor shared
// between the issue logic, the execution units, and the Mbox.
//
// Usage:
//
//	width, _ := insts.AccessWidth(insts.OpLDL, 0)
//	fmt.Printf("LDL accesses %d bytes\n", width)
package insts

// Opcode identifies an Alpha AXP instruction by its primary opcode field.
type Opcode uint8

// Memory-format opcodes, numbered per the Alpha Architecture Handbook.
const (
	OpLDA   Opcode = 0x08
	OpLDAH  Opcode = 0x09
	OpLDBU  Opcode = 0x0A
	OpLDQ_U Opcode = 0x0B
	OpLDWU  Opcode = 0x0C
	OpSTW   Opcode = 0x0D
	OpSTB   Opcode = 0x0E
	OpSTQ_U Opcode = 0x0F
	OpHW_LD Opcode = 0x1B
	OpHW_ST Opcode = 0x1F
	OpLDF   Opcode = 0x20
	OpLDG   Opcode = 0x21
	OpLDS   Opcode = 0x22
	OpLDT   Opcode = 0x23
	OpSTF   Opcode = 0x24
	OpSTG   Opcode = 0x25
	OpSTS   Opcode = 0x26
	OpSTT   Opcode = 0x27
	OpLDL   Opcode = 0x28
	OpLDQ   Opcode = 0x29
	OpLDL_L Opcode = 0x2A
	OpLDQ_L Opcode = 0x2B
	OpSTL   Opcode = 0x2C
	OpSTQ   Opcode = 0x2D
	OpSTL_C Opcode = 0x2E
	OpSTQ_C Opcode = 0x2F
)

// HWLoadLongword is the len_stall encoding that selects a longword access
// for HW_LD/HW_ST; any other value selects a quadword access.
const HWLoadLongword uint8 = 1

// LDAHMultiplier scales the displacement of the LDAH instruction.
const LDAHMultiplier = 65536

// State tracks an in-flight instruction through issue, execution, and
// retirement. The Mbox moves memory instructions from Executing to
// WaitingRetirement; the issue logic performs the final transition to
// Retired.
type State int

const (
	// Queued means the instruction sits in an issue queue.
	Queued State = iota
	// Executing means a functional unit has picked up the instruction.
	Executing
	// WaitingForCompletion means the instruction awaits an external event,
	// such as a cache fill, before its result is available.
	WaitingForCompletion
	// WaitingRetirement means the result is materialized and the
	// instruction may retire in program order.
	WaitingRetirement
	// Retired means the instruction's effects are architecturally visible.
	Retired
	// Squashed means a misprediction revoked the instruction.
	Squashed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Executing:
		return "Executing"
	case WaitingForCompletion:
		return "WaitingForCompletion"
	case WaitingRetirement:
		return "WaitingRetirement"
	case Retired:
		return "Retired"
	case Squashed:
		return "Squashed"
	default:
		return "Unknown"
	}
}

// Instruction is the in-flight descriptor produced by decode and consumed by
// the execution units and the Mbox. UniqueID is assigned monotonically at
// issue and provides total program order; it is the sole basis for age
// comparison between memory references.
type Instruction struct {
	Opcode       Opcode
	PC           uint64
	UniqueID     uint64
	Dest         uint8 // architectural destination register (aDest)
	Src1V        uint64
	Src2V        uint64
	Displacement int64
	LenStall     uint8 // HW_LD/HW_ST access-size qualifier

	// DestV receives the load result or the store-conditional status.
	DestV uint64

	State State

	// Lock-flag bookkeeping for LDx_L/STx_C.
	LockFlagPending     bool
	LockPhysAddrPending uint64
	LockVirtAddrPending uint64
	ClearLockPending    bool
}

// IsLoad reports whether the opcode reads memory through the load queue.
func IsLoad(op Opcode) bool {
	switch op {
	case OpLDBU, OpLDWU, OpLDL, OpLDQ, OpLDQ_U,
		OpLDF, OpLDG, OpLDS, OpLDT, OpLDL_L, OpLDQ_L, OpHW_LD:
		return true
	}
	return false
}

// IsStore reports whether the opcode writes memory through the store queue.
func IsStore(op Opcode) bool {
	switch op {
	case OpSTB, OpSTW, OpSTL, OpSTQ, OpSTQ_U,
		OpSTF, OpSTG, OpSTS, OpSTT, OpSTL_C, OpSTQ_C, OpHW_ST:
		return true
	}
	return false
}

// IsLoadLocked reports whether the opcode establishes the lock flag.
func IsLoadLocked(op Opcode) bool {
	return op == OpLDL_L || op == OpLDQ_L
}

// IsStoreConditional reports whether the opcode commits only while the lock
// flag holds.
func IsStoreConditional(op Opcode) bool {
	return op == OpSTL_C || op == OpSTQ_C
}

// AccessWidth returns the access width in bytes for a memory-format opcode.
// For HW_LD/HW_ST the width depends on the len_stall qualifier. The second
// return value is false for opcodes that do not access memory.
func AccessWidth(op Opcode, lenStall uint8) (uint32, bool) {
	switch op {
	case OpLDBU, OpSTB:
		return 1, true
	case OpLDWU, OpSTW:
		return 2, true
	case OpLDF, OpLDS, OpLDL, OpLDL_L, OpSTF, OpSTS, OpSTL, OpSTL_C:
		return 4, true
	case OpLDQ_U, OpLDG, OpLDT, OpLDQ, OpLDQ_L,
		OpSTQ_U, OpSTG, OpSTT, OpSTQ, OpSTQ_C:
		return 8, true
	case OpHW_LD, OpHW_ST:
		if lenStall == HWLoadLongword {
			return 4, true
		}
		return 8, true
	}
	return 0, false
}

// RequiresAlignment reports whether the opcode faults on a virtual address
// that is not a multiple of its access width. The unaligned variants mask
// the low address bits instead.
func RequiresAlignment(op Opcode) bool {
	switch op {
	case OpLDQ_U, OpSTQ_U, OpLDBU, OpSTB:
		return false
	}
	return IsLoad(op) || IsStore(op)
}

// SignExtends reports whether the load result is sign-extended to 64 bits.
// Longword loads sign-extend; byte and word loads zero-extend.
func SignExtends(op Opcode) bool {
	switch op {
	case OpLDL, OpLDL_L, OpLDF, OpLDS:
		return true
	case OpHW_LD:
		return true
	}
	return false
}

// ExtendValue widens a raw loaded value of the given byte width to 64 bits,
// sign- or zero-extending per the opcode.
func ExtendValue(op Opcode, raw uint64, width uint32) uint64 {
	switch width {
	case 1:
		return uint64(uint8(raw))
	case 2:
		return uint64(uint16(raw))
	case 4:
		if SignExtends(op) {
			return uint64(int64(int32(uint32(raw))))
		}
		return uint64(uint32(raw))
	default:
		return raw
	}
}

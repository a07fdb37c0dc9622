// Package ibox models the slice of the instruction box the memory pipeline
// interacts with: the in-flight instruction window, fault reporting, and
// retirement bookkeeping. Decode, rename, and issue stay outside this
// package.
package ibox

import (
	"sync"

	"github.com/sarchlab/axpsim/insts"
)

// Handle is a generation-counted reference into the instruction window.
// Queue entries hold handles instead of pointers so that a squash or retire
// followed by slot reuse cannot resurrect a stale reference.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether the handle has ever been assigned. The zero Handle
// is never valid.
func (h Handle) Valid() bool {
	return h.gen != 0
}

type windowSlot struct {
	instr insts.Instruction
	gen   uint32
	inUse bool
}

// Window is the in-flight instruction arena. The issue logic allocates a
// slot per decoded instruction; the Mbox addresses instructions exclusively
// through handles obtained here.
type Window struct {
	mu     sync.Mutex
	slots  []windowSlot
	nextID uint64
}

// NewWindow creates a window holding up to capacity in-flight instructions.
func NewWindow(capacity int) *Window {
	return &Window{
		slots: make([]windowSlot, capacity),
	}
}

// Alloc places an instruction into the window, stamps it with the next
// program-order uniqueID, and returns its handle. The zero Handle is
// returned when the window is full.
func (w *Window) Alloc(instr insts.Instruction) Handle {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.slots {
		if w.slots[i].inUse {
			continue
		}
		w.nextID++
		instr.UniqueID = w.nextID
		instr.State = insts.Executing
		w.slots[i].instr = instr
		w.slots[i].gen++
		w.slots[i].inUse = true
		return Handle{index: uint32(i), gen: w.slots[i].gen}
	}
	return Handle{}
}

// View returns a copy of the instruction the handle refers to. The second
// return value is false when the handle is stale or was never assigned.
func (w *Window) View(h Handle) (insts.Instruction, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.live(h) {
		return insts.Instruction{}, false
	}
	return w.slots[h.index].instr, true
}

// Update applies fn to the referenced instruction under the window lock.
// It reports whether the handle was live.
func (w *Window) Update(h Handle, fn func(*insts.Instruction)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.live(h) {
		return false
	}
	fn(&w.slots[h.index].instr)
	return true
}

// State returns the instruction state, or Squashed for a stale handle.
func (w *Window) State(h Handle) insts.State {
	instr, ok := w.View(h)
	if !ok {
		return insts.Squashed
	}
	return instr.State
}

// Retire marks the instruction Retired and returns a copy of its final
// descriptor. The slot stays allocated until Release so late Mbox writes
// through a live handle still land.
func (w *Window) Retire(h Handle) (insts.Instruction, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.live(h) {
		return insts.Instruction{}, false
	}
	w.slots[h.index].instr.State = insts.Retired
	return w.slots[h.index].instr, true
}

// Squash marks the instruction Squashed without releasing the slot.
func (w *Window) Squash(h Handle) {
	w.Update(h, func(in *insts.Instruction) {
		in.State = insts.Squashed
	})
}

// Release frees the slot. Any handle to the released generation goes stale.
func (w *Window) Release(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.live(h) {
		return
	}
	w.slots[h.index].inUse = false
}

func (w *Window) live(h Handle) bool {
	if !h.Valid() || int(h.index) >= len(w.slots) {
		return false
	}
	s := &w.slots[h.index]
	return s.inUse && s.gen == h.gen
}

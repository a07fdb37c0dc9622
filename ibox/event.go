package ibox

import (
	"sync"

	"github.com/sarchlab/axpsim/insts"
)

// Fault enumerates the memory-management faults the Mbox reports up to the
// Ibox. The numbering follows the DTB miss flow ordering in the HRM.
type Fault int

const (
	// FaultNone means the reference completed without a fault.
	FaultNone Fault = iota
	// FaultTNV is a translation-not-valid fault: no DTB entry matched.
	FaultTNV
	// FaultACV is an access violation: the entry's protection bits deny
	// the access in the current mode.
	FaultACV
	// FaultFOR is a fault-on-read: the entry's FOR bit is set.
	FaultFOR
	// FaultFOW is a fault-on-write: the entry's FOW bit is set.
	FaultFOW
	// FaultAlignment is an unaligned access to an opcode that requires
	// natural alignment.
	FaultAlignment
)

// String returns the conventional fault mnemonic.
func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultTNV:
		return "TNV"
	case FaultACV:
		return "ACV"
	case FaultFOR:
		return "FOR"
	case FaultFOW:
		return "FOW"
	case FaultAlignment:
		return "ALIGN"
	default:
		return "unknown"
	}
}

// Event is the fault notification the Mbox posts to the Ibox. The Ibox uses
// it to redirect fetch into PALcode; the faulting queue entry is discarded.
type Event struct {
	Fault    Fault
	PC       uint64
	VirtAddr uint64
	Opcode   insts.Opcode
	Dest     uint8
	Read     bool
	Write    bool
}

// EventSink receives fault events. The Ibox implements this; tests use a
// recording sink.
type EventSink interface {
	PostEvent(ev Event)
}

// EventRecorder is an EventSink that retains every posted event, oldest
// first. It is safe for concurrent use.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// PostEvent records the event.
func (r *EventRecorder) PostEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

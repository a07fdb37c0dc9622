package mbox

// forwardOutcome classifies what the store-forwarding scan found for a
// pending load.
type forwardOutcome int

const (
	// forwardNone means no older store touches the load's bytes; probe
	// the caches.
	forwardNone forwardOutcome = iota
	// forwardHit means an older store covers the load exactly; source the
	// value from the store queue.
	forwardHit
	// forwardStall means an older store partially overlaps the load at a
	// different address; the load must wait for it to commit before
	// touching the cache.
	forwardStall
)

// forwardable reports whether a store in this state may source a younger
// load. SQReady and freed entries are excluded. A ready store can wait on a
// fill across several passes before it commits; tryCaches holds any load
// that overlaps it until then.
func forwardable(s EntryState) bool {
	return s == QInitial || s == SQWritePending || s == SQComplete
}

// findOlderStore scans the entire store queue for the youngest older store
// that can supply the load in lqEntry.
//
// A store qualifies when its address equals the load's at byte
// granularity, its width covers the load, and it is older by uniqueID.
// Among qualifying stores the one with the greatest uniqueID wins: it is
// the last write the load should observe.
//
// A store to the same address that does not cover the load declines
// forwarding and lets the load fall through to the caches. A store that
// overlaps the load's bytes from a different address forces a stall
// instead: neither the store queue nor the cache holds the merged value
// yet.
//
// Called with the Mbox mutex held.
func (m *Mbox) findOlderStore(lqEntry *QueueEntry) (int, forwardOutcome) {
	best := -1
	partial := false
	var partialUID uint64

	for i := range m.sq {
		sqEntry := &m.sq[i]
		if !forwardable(sqEntry.State) {
			continue
		}
		if sqEntry.uid >= lqEntry.uid {
			continue
		}

		if sqEntry.VirtAddr == lqEntry.VirtAddr {
			if sqEntry.Len < lqEntry.Len {
				continue
			}
			if best < 0 || sqEntry.uid > m.sq[best].uid {
				best = i
			}
			continue
		}

		if overlaps(sqEntry, lqEntry) && sqEntry.uid > partialUID {
			partial = true
			partialUID = sqEntry.uid
		}
	}

	// A partial overlap younger than the covering store means neither the
	// store queue nor the cache holds the merged bytes yet.
	if partial && (best < 0 || partialUID > m.sq[best].uid) {
		return -1, forwardStall
	}
	if best >= 0 {
		return best, forwardHit
	}
	return -1, forwardNone
}

// overlaps reports whether the two entries touch any common byte.
func overlaps(a, b *QueueEntry) bool {
	return a.VirtAddr < b.VirtAddr+uint64(b.Len) &&
		b.VirtAddr < a.VirtAddr+uint64(a.Len)
}

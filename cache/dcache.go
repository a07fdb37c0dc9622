package cache

import "sync"

// ProbeResult is the outcome of a cache status probe.
type ProbeResult int

const (
	// Miss means no enabled way holds the block.
	Miss ProbeResult = iota
	// Hit means the block is present and valid.
	Hit
)

// LineState is the coherence state of a Dcache line.
type LineState int

const (
	// Invalid means the line holds no data.
	Invalid LineState = iota
	// Shared means the line is clean and may exist in other caches.
	Shared
	// Exclusive means the line is clean and held only here.
	Exclusive
	// Owned means the line is dirty and shared; this cache must supply it.
	Owned
	// Modified means the line is dirty and held only here.
	Modified
)

type dcacheLine struct {
	data     []byte
	physTag  uint64
	valid    bool
	dirty    bool
	shared   bool
	modified bool
	locked   bool
	state    LineState
	lastUsed uint64
}

// dtagEntry is the duplicate tag store record the coherence path probes by
// physical address alone.
type dtagEntry struct {
	physTag uint64
	set     int
	way     int
	valid   bool
}

// Victim is a line displaced by a fill. Dirty victims travel to the Cbox
// victim buffer for writeback.
type Victim struct {
	PhysAddr uint64
	Data     []byte
	Dirty    bool
}

// Dcache is the on-chip data cache: two-way set associative, virtually
// indexed, physically tagged. Way usability follows the dcCtl.set_en mask.
// Line lock bits back the load-locked/store-conditional protocol.
type Dcache struct {
	mu        sync.Mutex
	cfg       Config
	sets      [][]dcacheLine
	dtag      []dtagEntry
	wayEnable uint8
	useClock  uint64
}

// NewDcache creates a Dcache with both ways enabled.
func NewDcache(cfg Config) *Dcache {
	d := &Dcache{
		cfg:       cfg,
		wayEnable: 0x3,
	}
	d.allocate()
	return d
}

func (d *Dcache) allocate() {
	numSets := d.cfg.NumSets()
	d.sets = make([][]dcacheLine, numSets)
	for i := range d.sets {
		d.sets[i] = make([]dcacheLine, d.cfg.Associativity)
		for j := range d.sets[i] {
			d.sets[i][j].data = make([]byte, d.cfg.BlockSize)
		}
	}
	d.dtag = make([]dtagEntry, numSets*d.cfg.Associativity)
}

// Reset invalidates every line and duplicate tag entry without writeback.
func (d *Dcache) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.sets {
		for j := range d.sets[i] {
			line := &d.sets[i][j]
			for k := range line.data {
				line.data[k] = 0
			}
			line.physTag = 0
			line.valid = false
			line.dirty = false
			line.shared = false
			line.modified = false
			line.locked = false
			line.state = Invalid
			line.lastUsed = 0
		}
	}
	for i := range d.dtag {
		d.dtag[i] = dtagEntry{set: len(d.sets), way: d.cfg.Associativity}
	}
	d.useClock = 0
}

// SetWayEnable installs the dcCtl.set_en way mask. Bits 0 and 1 enable
// ways 0 and 1.
func (d *Dcache) SetWayEnable(mask uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wayEnable = mask
}

// setIndex selects the set from the virtual address; the physical address
// supplies the tag. At the default 64KB two-way geometry the set and offset
// bits span 15 address bits, past the 13-bit offset of an 8KB page, so the
// virtual and physical set indices can differ; the duplicate tag store
// records the set each physical block was filled into.
func (d *Dcache) setIndex(va uint64) int {
	return int(va/uint64(d.cfg.BlockSize)) % len(d.sets)
}

func (d *Dcache) lookup(va, pa uint64) *dcacheLine {
	set := d.setIndex(va)
	tag := d.cfg.BlockAddr(pa)
	for way := range d.sets[set] {
		if d.wayEnable&(1<<way) == 0 {
			continue
		}
		line := &d.sets[set][way]
		if line.valid && line.physTag == tag {
			return line
		}
	}
	return nil
}

// Status probes the cache for the line containing (va, pa).
func (d *Dcache) Status(va, pa uint64) ProbeResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lookup(va, pa) != nil {
		return Hit
	}
	return Miss
}

// Read extracts width bytes at pa from the cached line. It reports false on
// a miss.
func (d *Dcache) Read(va, pa uint64, width uint32) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line := d.lookup(va, pa)
	if line == nil {
		return 0, false
	}
	d.useClock++
	line.lastUsed = d.useClock
	offset := pa % uint64(d.cfg.BlockSize)
	return extractData(line.data, offset, int(width)), true
}

// Write stores width bytes of value at pa into the cached line, marking it
// dirty and modified. It reports false on a miss.
func (d *Dcache) Write(va, pa uint64, width uint32, value uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	line := d.lookup(va, pa)
	if line == nil {
		return false
	}
	d.useClock++
	line.lastUsed = d.useClock
	offset := pa % uint64(d.cfg.BlockSize)
	storeData(line.data, offset, int(width), value)
	line.dirty = true
	line.modified = true
	line.state = Modified
	return true
}

// Fill installs a line for (va, pa), evicting the least recently used
// enabled way. The displaced line is returned when it was valid; dirty
// victims must be written back by the caller.
func (d *Dcache) Fill(va, pa uint64, data []byte) (Victim, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set := d.setIndex(va)
	tag := d.cfg.BlockAddr(pa)

	// Refill in place when the block is already resident.
	victim := d.lookup(va, pa)
	way := -1
	if victim == nil {
		var oldest uint64
		for w := range d.sets[set] {
			if d.wayEnable&(1<<w) == 0 {
				continue
			}
			line := &d.sets[set][w]
			if !line.valid {
				victim = line
				way = w
				break
			}
			if victim == nil || line.lastUsed < oldest {
				victim = line
				way = w
				oldest = line.lastUsed
			}
		}
	} else {
		for w := range d.sets[set] {
			if &d.sets[set][w] == victim {
				way = w
			}
		}
	}
	if victim == nil {
		return Victim{}, false
	}

	var evicted Victim
	haveVictim := false
	if victim.valid && victim.physTag != tag {
		evicted = Victim{
			PhysAddr: victim.physTag,
			Data:     append([]byte(nil), victim.data...),
			Dirty:    victim.dirty,
		}
		haveVictim = true
		d.dropDtag(victim.physTag)
	}

	copy(victim.data, data)
	victim.physTag = tag
	victim.valid = true
	victim.dirty = false
	victim.shared = false
	victim.modified = false
	victim.locked = false
	victim.state = Exclusive
	d.useClock++
	victim.lastUsed = d.useClock

	d.setDtag(tag, set, way)

	return evicted, haveVictim
}

func (d *Dcache) setDtag(tag uint64, set, way int) {
	for i := range d.dtag {
		if d.dtag[i].valid && d.dtag[i].physTag == tag {
			d.dtag[i].set = set
			d.dtag[i].way = way
			return
		}
	}
	for i := range d.dtag {
		if !d.dtag[i].valid {
			d.dtag[i] = dtagEntry{physTag: tag, set: set, way: way, valid: true}
			return
		}
	}
}

func (d *Dcache) dropDtag(tag uint64) {
	for i := range d.dtag {
		if d.dtag[i].valid && d.dtag[i].physTag == tag {
			d.dtag[i].valid = false
		}
	}
}

func (d *Dcache) lineByPA(pa uint64) *dcacheLine {
	tag := d.cfg.BlockAddr(pa)
	for i := range d.dtag {
		if d.dtag[i].valid && d.dtag[i].physTag == tag {
			return &d.sets[d.dtag[i].set][d.dtag[i].way]
		}
	}
	return nil
}

// Lock sets the line lock bit for a resident block. A load-locked access
// registers its reservation here.
func (d *Dcache) Lock(pa uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	line := d.lineByPA(pa)
	if line == nil {
		return false
	}
	line.locked = true
	return true
}

// ClearLock consumes the lock reservation on a block without disturbing
// the data.
func (d *Dcache) ClearLock(pa uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if line := d.lineByPA(pa); line != nil {
		line.locked = false
	}
}

// IsLocked reports whether the block's lock bit is still set.
func (d *Dcache) IsLocked(pa uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	line := d.lineByPA(pa)
	return line != nil && line.locked
}

// ProbeInvalidate is the coherence-path invalidation: an external write to
// the block drops it and clears any lock reservation.
func (d *Dcache) ProbeInvalidate(pa uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line := d.lineByPA(pa)
	if line == nil {
		return
	}
	line.valid = false
	line.dirty = false
	line.locked = false
	line.state = Invalid
	d.dropDtag(d.cfg.BlockAddr(pa))
}

package cache

import (
	"sync"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Statistics holds Bcache performance counters.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// Bcache is the board-level backing cache, physically indexed and tagged.
// Tag and LRU state live in an Akita cache directory; data blocks are held
// alongside, indexed by (setID * associativity + wayID).
type Bcache struct {
	mu sync.Mutex

	cfg       Config
	directory *akitacache.DirectoryImpl
	dataStore [][]byte
	backing   BackingStore
	stats     Statistics
}

// NewBcache creates a Bcache over the given backing store.
func NewBcache(cfg Config, backing BackingStore) *Bcache {
	numSets := cfg.NumSets()
	totalBlocks := numSets * cfg.Associativity

	dataStore := make([][]byte, totalBlocks)
	for i := range dataStore {
		dataStore[i] = make([]byte, cfg.BlockSize)
	}

	return &Bcache{
		cfg: cfg,
		directory: akitacache.NewDirectory(
			numSets,
			cfg.Associativity,
			cfg.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		dataStore: dataStore,
		backing:   backing,
	}
}

// Stats returns a copy of the performance counters.
func (b *Bcache) Stats() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// blockIndex computes the index into dataStore for a block.
func (b *Bcache) blockIndex(block *akitacache.Block) int {
	return block.SetID*b.cfg.Associativity + block.WayID
}

// Status probes the cache for the block containing pa.
func (b *Bcache) Status(pa uint64) ProbeResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	block := b.directory.Lookup(0, b.cfg.BlockAddr(pa)) // PID 0: single address space
	if block != nil && block.IsValid {
		return Hit
	}
	return Miss
}

// ReadLine returns a copy of the cached block containing pa. It reports
// false on a miss.
func (b *Bcache) ReadLine(pa uint64) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Reads++
	block := b.directory.Lookup(0, b.cfg.BlockAddr(pa))
	if block == nil || !block.IsValid {
		b.stats.Misses++
		return nil, false
	}
	b.stats.Hits++
	b.directory.Visit(block)
	return append([]byte(nil), b.dataStore[b.blockIndex(block)]...), true
}

// Write merges width bytes of value into the cached block, marking it
// dirty. It reports false on a miss.
func (b *Bcache) Write(pa uint64, width uint32, value uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Writes++
	block := b.directory.Lookup(0, b.cfg.BlockAddr(pa))
	if block == nil || !block.IsValid {
		b.stats.Misses++
		return false
	}
	b.stats.Hits++
	b.directory.Visit(block)
	storeData(b.dataStore[b.blockIndex(block)], pa%uint64(b.cfg.BlockSize),
		int(width), value)
	block.IsDirty = true
	return true
}

// WriteLine replaces the whole cached block, marking it dirty. It reports
// false on a miss.
func (b *Bcache) WriteLine(pa uint64, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Writes++
	block := b.directory.Lookup(0, b.cfg.BlockAddr(pa))
	if block == nil || !block.IsValid {
		b.stats.Misses++
		return false
	}
	b.stats.Hits++
	b.directory.Visit(block)
	copy(b.dataStore[b.blockIndex(block)], data)
	block.IsDirty = true
	return true
}

// Install places a block for pa, evicting a victim if needed. Dirty victims
// are written back to the backing store.
func (b *Bcache) Install(pa uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	blockAddr := b.cfg.BlockAddr(pa)
	victim := b.directory.FindVictim(blockAddr)
	if victim == nil {
		return
	}

	victimData := b.dataStore[b.blockIndex(victim)]
	if victim.IsValid {
		b.stats.Evictions++
		if victim.IsDirty && b.backing != nil {
			b.stats.Writebacks++
			b.backing.Write(victim.Tag, victimData)
		}
	}

	copy(victimData, data)
	victim.Tag = blockAddr // Tag stores the block-aligned address
	victim.IsValid = true
	victim.IsDirty = false
	b.directory.Visit(victim)
}

// FillFromMemory fetches the block containing pa from the backing store and
// installs it.
func (b *Bcache) FillFromMemory(pa uint64) {
	blockAddr := b.cfg.BlockAddr(pa)
	data := b.backing.Read(blockAddr, b.cfg.BlockSize)
	b.Install(pa, data)
}

// Flush writes back all dirty blocks and invalidates everything.
func (b *Bcache) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sets := b.directory.GetSets()
	for _, set := range sets {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty && b.backing != nil {
				b.backing.Write(block.Tag, b.dataStore[b.blockIndex(block)])
				b.stats.Writebacks++
			}
			block.IsValid = false
			block.IsDirty = false
		}
	}
}

// Reset invalidates all blocks without writeback.
func (b *Bcache) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.directory.Reset()
	b.stats = Statistics{}
}

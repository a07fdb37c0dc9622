package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axpsim/cache"
)

var _ = Describe("Dcache", func() {
	var d *cache.Dcache

	line := func(fill byte) []byte {
		data := make([]byte, 64)
		for i := range data {
			data[i] = fill
		}
		return data
	}

	BeforeEach(func() {
		// Small cache for testing: 1KB, two-way, 64B lines -> 8 sets.
		d = cache.NewDcache(cache.Config{
			Size:          1024,
			Associativity: 2,
			BlockSize:     64,
		})
	})

	Describe("Status", func() {
		It("misses on a cold cache", func() {
			Expect(d.Status(0x1000, 0x1000)).To(Equal(cache.Miss))
		})

		It("hits after a fill", func() {
			d.Fill(0x1000, 0x1000, line(0xAA))
			Expect(d.Status(0x1000, 0x1000)).To(Equal(cache.Hit))
		})
	})

	Describe("Read and Write", func() {
		BeforeEach(func() {
			d.Fill(0x1000, 0x1000, line(0))
		})

		It("reads back written data at each width", func() {
			Expect(d.Write(0x1008, 0x1008, 8, 0x1122_3344_5566_7788)).To(BeTrue())

			v, ok := d.Read(0x1008, 0x1008, 8)
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(uint64(0x1122_3344_5566_7788)))

			v, ok = d.Read(0x1008, 0x1008, 1)
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(uint64(0x88)))

			v, ok = d.Read(0x100C, 0x100C, 4)
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(uint64(0x1122_3344)))
		})

		It("fails on a non-resident block", func() {
			_, ok := d.Read(0x2000, 0x2000, 8)
			Expect(ok).To(BeFalse())
			Expect(d.Write(0x2000, 0x2000, 8, 1)).To(BeFalse())
		})
	})

	Describe("Fill and eviction", func() {
		It("holds two blocks of the same set across the ways", func() {
			// 8 sets of 64B: addresses 512 bytes apart share a set.
			d.Fill(0x0000, 0x0000, line(0x11))
			d.Fill(0x0200, 0x0200, line(0x22))

			Expect(d.Status(0x0000, 0x0000)).To(Equal(cache.Hit))
			Expect(d.Status(0x0200, 0x0200)).To(Equal(cache.Hit))
		})

		It("evicts the least recently used way and reports a dirty victim", func() {
			d.Fill(0x0000, 0x0000, line(0x11))
			d.Fill(0x0200, 0x0200, line(0x22))
			d.Write(0x0000, 0x0000, 8, 0xDEAD)

			// Touch way holding 0x0200 so 0x0000 is the LRU victim.
			d.Read(0x0200, 0x0200, 8)
			d.Read(0x0000, 0x0000, 8)
			d.Read(0x0200, 0x0200, 8)

			victim, evicted := d.Fill(0x0400, 0x0400, line(0x33))
			Expect(evicted).To(BeTrue())
			Expect(victim.PhysAddr).To(Equal(uint64(0x0000)))
			Expect(victim.Dirty).To(BeTrue())
			Expect(victim.Data[0]).To(Equal(byte(0xAD)))
		})
	})

	Describe("way enable mask", func() {
		It("ignores disabled ways on probes", func() {
			d.Fill(0x0000, 0x0000, line(0x11))
			d.SetWayEnable(0x2)
			Expect(d.Status(0x0000, 0x0000)).To(Equal(cache.Miss))

			d.SetWayEnable(0x3)
			Expect(d.Status(0x0000, 0x0000)).To(Equal(cache.Hit))
		})
	})

	Describe("lock bits", func() {
		BeforeEach(func() {
			d.Fill(0x1000, 0x1000, line(0))
		})

		It("tracks a reservation by physical address", func() {
			Expect(d.Lock(0x1008)).To(BeTrue())
			Expect(d.IsLocked(0x1008)).To(BeTrue())
			Expect(d.IsLocked(0x1040)).To(BeFalse())

			d.ClearLock(0x1008)
			Expect(d.IsLocked(0x1008)).To(BeFalse())
		})

		It("cannot lock a non-resident block", func() {
			Expect(d.Lock(0x4000)).To(BeFalse())
		})

		It("drops the reservation on a coherence invalidate", func() {
			d.Lock(0x1000)
			d.ProbeInvalidate(0x1000)

			Expect(d.IsLocked(0x1000)).To(BeFalse())
			Expect(d.Status(0x1000, 0x1000)).To(Equal(cache.Miss))
		})
	})

	Describe("Reset", func() {
		It("invalidates everything", func() {
			d.Fill(0x1000, 0x1000, line(0xAA))
			d.Reset()
			Expect(d.Status(0x1000, 0x1000)).To(Equal(cache.Miss))
		})
	})
})

package mbox_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axpsim/cache"
	"github.com/sarchlab/axpsim/cbox"
	"github.com/sarchlab/axpsim/ibox"
	"github.com/sarchlab/axpsim/insts"
	"github.com/sarchlab/axpsim/mbox"
)

// Test address layout: the first 8KB virtual page maps to PA 0x40000, the
// page at VA 0x2000 maps into the MMIO region.
const (
	memPageVA = uint64(0)
	memPagePA = uint64(0x40000)
	ioPageVA  = uint64(0x2000)
)

type ioWrite struct {
	PA    uint64
	Width uint32
	Value uint64
}

// ioDevice is a recording MMIO bus for the IOWB path.
type ioDevice struct {
	mu     sync.Mutex
	regs   map[uint64]uint64
	writes []ioWrite
}

func newIODevice() *ioDevice {
	return &ioDevice{regs: map[uint64]uint64{}}
}

func (d *ioDevice) ReadIO(pa uint64, width uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[pa]
}

func (d *ioDevice) WriteIO(pa uint64, width uint32, value uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, ioWrite{PA: pa, Width: width, Value: value})
}

func (d *ioDevice) Writes() []ioWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ioWrite(nil), d.writes...)
}

var _ = Describe("Mbox", func() {
	var (
		window *ibox.Window
		memory *cache.Memory
		dc     *cache.Dcache
		bc     *cache.Bcache
		m      *mbox.Mbox
		cb     *cbox.Cbox
		events *ibox.EventRecorder
		device *ioDevice
		ioBase uint64
	)

	// paOf maps a VA in the first test page to its physical address.
	paOf := func(va uint64) uint64 {
		return memPagePA + va
	}

	mapPage := func(va, pa uint64, pte mbox.DtbPTE) {
		pte.PA = pa
		m.WriteDtbTag0(mbox.DtbTag{VA: va})
		m.WriteDtbPte0(pte)
	}

	rwPTE := func() mbox.DtbPTE {
		return mbox.DtbPTE{
			KRE: true, ERE: true, SRE: true, URE: true,
			KWE: true, EWE: true, SWE: true, UWE: true,
		}
	}

	issueLoad := func(op insts.Opcode, va uint64) (ibox.Handle, uint32) {
		h := window.Alloc(insts.Instruction{Opcode: op})
		Expect(h.Valid()).To(BeTrue())
		slot := m.GetLQSlot()
		Expect(slot).To(BeNumerically("<", m.QueueLen()))
		m.ReadMem(h, slot, va)
		return h, slot
	}

	issueStore := func(op insts.Opcode, va, value uint64) (ibox.Handle, uint32) {
		h := window.Alloc(insts.Instruction{Opcode: op})
		Expect(h.Valid()).To(BeTrue())
		slot := m.GetSQSlot()
		Expect(slot).To(BeNumerically("<", m.QueueLen()))
		m.WriteMem(h, slot, va, value)
		return h, slot
	}

	// instrState polls the instruction while pumping the system
	// interface, so miss fills make progress.
	instrState := func(h ibox.Handle) func() insts.State {
		return func() insts.State {
			cb.Service()
			return window.State(h)
		}
	}

	destV := func(h ibox.Handle) uint64 {
		instr, ok := window.View(h)
		Expect(ok).To(BeTrue())
		return instr.DestV
	}

	BeforeEach(func() {
		window = ibox.NewWindow(128)
		memory = cache.NewMemory()

		cfg := mbox.DefaultConfig()
		cfg.Dcache = cache.Config{Size: 4 * 1024, Associativity: 2, BlockSize: 64}
		cfg.Bcache = cache.Config{Size: 64 * 1024, Associativity: 1, BlockSize: 64}
		ioBase = cfg.MMIOBase

		dc = cache.NewDcache(cfg.Dcache)
		bc = cache.NewBcache(cfg.Bcache, memory)
		events = ibox.NewEventRecorder()
		device = newIODevice()
		cb = cbox.New(dc, bc, memory, cbox.WithIOSpace(device))

		var err error
		m, err = mbox.New(cfg, window, dc, bc,
			mbox.WithEventSink(events),
			mbox.WithSystem(cb),
		)
		Expect(err).NotTo(HaveOccurred())
		cb.Bind(m)

		mapPage(memPageVA, memPagePA, rwPTE())
		mapPage(ioPageVA, ioBase, rwPTE())

		m.Start()
	})

	AfterEach(func() {
		m.Stop()
	})

	Describe("store-to-load forwarding", func() {
		It("forwards an exact match without touching the caches", func() {
			_, sqSlot := issueStore(insts.OpSTB, 0x1000, 0xAB)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))

			lh, _ := issueLoad(insts.OpLDBU, 0x1000)
			Eventually(func() insts.State {
				return window.State(lh)
			}).Should(Equal(insts.WaitingRetirement))

			Expect(destV(lh)).To(Equal(uint64(0xAB)))
			Expect(bc.Stats().Reads).To(BeZero())
		})

		It("selects the youngest older store", func() {
			for _, v := range []uint64{0x01, 0x02, 0x03} {
				_, slot := issueStore(insts.OpSTB, 0x1100, v)
				Eventually(func() mbox.EntryState {
					return m.EntryState(mbox.StoreQueue, slot)
				}).Should(Equal(mbox.SQWritePending))
			}

			lh, _ := issueLoad(insts.OpLDBU, 0x1100)
			Eventually(func() insts.State {
				return window.State(lh)
			}).Should(Equal(insts.WaitingRetirement))

			Expect(destV(lh)).To(Equal(uint64(0x03)))
		})

		It("declines a same-address store that does not cover and probes the caches", func() {
			memory.Write64(paOf(0x1200), 0x1111_2222_3333_4444)

			_, sqSlot := issueStore(insts.OpSTB, 0x1200, 0x77)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))

			lh, _ := issueLoad(insts.OpLDQ, 0x1200)
			Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))

			// The uncommitted store is invisible; the value comes from
			// memory through the cache hierarchy.
			Expect(destV(lh)).To(Equal(uint64(0x1111_2222_3333_4444)))
			Expect(bc.Stats().Reads).NotTo(BeZero())
		})

		It("stalls a load that partially overlaps an older store until it commits", func() {
			_, sqSlot := issueStore(insts.OpSTQ, 0x1300, 0xAABB_CCDD_EEFF_0011)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))

			lh, _ := issueLoad(insts.OpLDBU, 0x1304)
			Consistently(func() insts.State {
				return window.State(lh)
			}).Should(Equal(insts.Executing))

			m.RetireStore(sqSlot)
			Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))

			// Byte 4 of the little-endian quadword.
			Expect(destV(lh)).To(Equal(uint64(0xDD)))
		})
	})

	Describe("cache miss handling", func() {
		It("completes a load through the MAF fill round trip", func() {
			memory.Write64(paOf(0x1800), 0xFACE_FEED_DEAD_BEEF)

			lh, lqSlot := issueLoad(insts.OpLDQ, 0x1800)

			// Both caches miss; the entry parks in LQReadPending with a
			// miss on file until the system interface fills the Bcache.
			Eventually(func() bool {
				entry, ok := m.MAFEntry(0)
				return ok && entry.Kind == mbox.MissLoad &&
					entry.PA == paOf(0x1800)
			}).Should(BeTrue())
			Expect(m.EntryState(mbox.LoadQueue, lqSlot)).
				To(Equal(mbox.LQReadPending))
			Consistently(func() insts.State {
				return window.State(lh)
			}).Should(Equal(insts.Executing))

			cb.Service()
			Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))
			Expect(destV(lh)).To(Equal(uint64(0xFACE_FEED_DEAD_BEEF)))
		})

		It("hits the Dcache on a re-reference without another fill", func() {
			memory.Write64(paOf(0x1840), 0x1234)

			first, _ := issueLoad(insts.OpLDQ, 0x1840)
			Eventually(instrState(first)).Should(Equal(insts.WaitingRetirement))
			readsAfterFill := bc.Stats().Reads

			second, _ := issueLoad(insts.OpLDQ, 0x1840)
			Eventually(func() insts.State {
				return window.State(second)
			}).Should(Equal(insts.WaitingRetirement))

			Expect(destV(second)).To(Equal(uint64(0x1234)))
			Expect(bc.Stats().Reads).To(Equal(readsAfterFill))
		})
	})

	Describe("store commit", func() {
		It("keeps a speculative store invisible until retirement", func() {
			memory.Write64(paOf(0x1900), 0x5555)

			_, sqSlot := issueStore(insts.OpSTQ, 0x1900, 0x6666)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))

			// Memory and the cache hierarchy still hold the old value.
			Expect(memory.Read64(paOf(0x1900))).To(Equal(uint64(0x5555)))
		})

		It("makes a retired store visible to younger loads", func() {
			_, sqSlot := issueStore(insts.OpSTQ, 0x1A00, 0x0102_0304_0506_0708)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))

			m.RetireStore(sqSlot)
			Eventually(func() mbox.EntryState {
				cb.Service()
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.QNotInUse))

			lh, _ := issueLoad(insts.OpLDQ, 0x1A00)
			Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))
			Expect(destV(lh)).To(Equal(uint64(0x0102_0304_0506_0708)))
		})
	})

	Describe("I/O references", func() {
		It("routes an MMIO load through the IOWB, bypassing the caches", func() {
			device.regs[ioBase+0x20] = 0xFEED_F00D

			lh, _ := issueLoad(insts.OpLDQ, ioPageVA+0x20)
			Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))

			Expect(destV(lh)).To(Equal(uint64(0xFEED_F00D)))
			Expect(bc.Stats().Reads).To(BeZero())
			Expect(bc.Stats().Writes).To(BeZero())
		})

		It("routes a retired MMIO store through the IOWB", func() {
			_, sqSlot := issueStore(insts.OpSTQ, ioPageVA+0x28, 0xC0DE)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))

			m.RetireStore(sqSlot)
			Eventually(func() []ioWrite {
				cb.Service()
				return device.Writes()
			}).Should(HaveLen(1))

			w := device.Writes()[0]
			Expect(w.PA).To(Equal(ioBase + 0x28))
			Expect(w.Value).To(Equal(uint64(0xC0DE)))
			Expect(w.Width).To(Equal(uint32(8)))
		})
	})

	Describe("load-locked / store-conditional", func() {
		retire := func(h ibox.Handle) {
			instr, ok := window.Retire(h)
			Expect(ok).To(BeTrue())
			m.InstructionRetired(instr)
		}

		It("succeeds when the reservation survives", func() {
			memory.Write64(paOf(0x1C00), 0x9999)

			lh, _ := issueLoad(insts.OpLDQ_L, 0x1C00)
			Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))
			Expect(destV(lh)).To(Equal(uint64(0x9999)))

			retire(lh)
			Expect(m.LockFlag()).To(BeTrue())

			sh, sqSlot := issueStore(insts.OpSTQ_C, 0x1C00, 0x4242)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))
			m.RetireStore(sqSlot)

			Eventually(func() uint64 {
				cb.Service()
				return destV(sh)
			}).Should(Equal(uint64(1)))
			Expect(m.LockFlag()).To(BeFalse())

			check, _ := issueLoad(insts.OpLDQ, 0x1C00)
			Eventually(instrState(check)).Should(Equal(insts.WaitingRetirement))
			Expect(destV(check)).To(Equal(uint64(0x4242)))
		})

		It("fails after an external write steals the block", func() {
			memory.Write64(paOf(0x1D00), 0x7777)

			lh, _ := issueLoad(insts.OpLDQ_L, 0x1D00)
			Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))
			retire(lh)
			Expect(m.LockFlag()).To(BeTrue())

			// Another agent writes the line; the coherence probe drops
			// the reservation.
			line := make([]byte, 64)
			line[0] = 0x55
			cb.ProbeWrite(paOf(0x1D00), line)

			sh, sqSlot := issueStore(insts.OpSTQ_C, 0x1D00, 0x4242)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))
			m.RetireStore(sqSlot)

			Eventually(func() mbox.EntryState {
				cb.Service()
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.QNotInUse))

			Expect(destV(sh)).To(Equal(uint64(0)))
			Expect(m.LockFlag()).To(BeFalse())
			Expect(memory.Read64(paOf(0x1D00))).NotTo(Equal(uint64(0x4242)))
		})

		It("fails a store-conditional with no prior load-locked", func() {
			sh, sqSlot := issueStore(insts.OpSTQ_C, 0x1E00, 0x4242)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))
			m.RetireStore(sqSlot)

			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.QNotInUse))
			Expect(destV(sh)).To(Equal(uint64(0)))
		})
	})

	Describe("faults", func() {
		It("reports TNV for an unmapped address and discards the entry", func() {
			lh, lqSlot := issueLoad(insts.OpLDQ, 0x40_0000)

			Eventually(func() []ibox.Event {
				return events.Events()
			}).Should(HaveLen(1))

			ev := events.Events()[0]
			Expect(ev.Fault).To(Equal(ibox.FaultTNV))
			Expect(ev.VirtAddr).To(Equal(uint64(0x40_0000)))
			Expect(ev.Read).To(BeTrue())

			Expect(m.EntryState(mbox.LoadQueue, lqSlot)).To(Equal(mbox.QNotInUse))
			Expect(window.State(lh)).To(Equal(insts.Executing))
		})

		It("reports an alignment fault for a misaligned longword", func() {
			_, _ = issueLoad(insts.OpLDL, 0x1002)

			Eventually(func() []ibox.Event {
				return events.Events()
			}).Should(HaveLen(1))
			Expect(events.Events()[0].Fault).To(Equal(ibox.FaultAlignment))
		})

		It("reports ACV with the write flag for a store to a read-only page", func() {
			ro := mbox.DtbPTE{KRE: true}
			mapPage(0x4000, 0x80000, ro)

			_, sqSlot := issueStore(insts.OpSTQ, 0x4000, 1)

			Eventually(func() []ibox.Event {
				return events.Events()
			}).Should(HaveLen(1))
			ev := events.Events()[0]
			Expect(ev.Fault).To(Equal(ibox.FaultACV))
			Expect(ev.Write).To(BeTrue())

			Expect(m.EntryState(mbox.StoreQueue, sqSlot)).To(Equal(mbox.QNotInUse))
			Expect(m.ReadMMStat().ACV).To(BeTrue())
			Expect(m.ReadMMStat().WR).To(BeTrue())
		})
	})

	Describe("slot allocation", func() {
		It("hands out slots in order and returns the sentinel when full", func() {
			for i := 0; i < m.QueueLen(); i++ {
				Expect(m.GetLQSlot()).To(Equal(uint32(i)))
			}
			Expect(m.GetLQSlot()).To(Equal(uint32(m.QueueLen())))
		})

		It("allocates the load and store queues independently", func() {
			Expect(m.GetLQSlot()).To(Equal(uint32(0)))
			Expect(m.GetSQSlot()).To(Equal(uint32(0)))
			Expect(m.GetLQSlot()).To(Equal(uint32(1)))
			Expect(m.GetSQSlot()).To(Equal(uint32(1)))
		})

		It("reclaims a fully drained queue", func() {
			memory.Write64(paOf(0x1F00), 7)

			for i := 0; i < m.QueueLen(); i++ {
				lh, _ := issueLoad(insts.OpLDQ, 0x1F00)
				Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))
			}

			// All 32 program-order slots were consumed and drained; the
			// next allocation resets the queue.
			lh, slot := issueLoad(insts.OpLDQ, 0x1F00)
			Expect(slot).To(Equal(uint32(0)))
			Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))
		})
	})

	Describe("revocation", func() {
		It("revokes a pending load and drops its late fill", func() {
			lh, lqSlot := issueLoad(insts.OpLDQ, 0x1880)

			Eventually(func() bool {
				_, ok := m.MAFEntry(0)
				return ok
			}).Should(BeTrue())

			m.RevokeSlot(mbox.LoadQueue, lqSlot)
			Expect(m.EntryState(mbox.LoadQueue, lqSlot)).To(Equal(mbox.QNotInUse))

			// The fill for the orphaned miss arrives and is dropped.
			m.MAFComplete(0)
			Consistently(func() uint64 {
				return destV(lh)
			}).Should(BeZero())
			Expect(window.State(lh)).To(Equal(insts.Executing))
		})

		It("revokes a speculative store with no memory effect", func() {
			memory.Write64(paOf(0x1940), 0xAAAA)

			_, sqSlot := issueStore(insts.OpSTQ, 0x1940, 0xBBBB)
			Eventually(func() mbox.EntryState {
				return m.EntryState(mbox.StoreQueue, sqSlot)
			}).Should(Equal(mbox.SQWritePending))

			m.RevokeSlot(mbox.StoreQueue, sqSlot)
			Expect(m.EntryState(mbox.StoreQueue, sqSlot)).To(Equal(mbox.QNotInUse))

			lh, _ := issueLoad(insts.OpLDQ, 0x1940)
			Eventually(instrState(lh)).Should(Equal(insts.WaitingRetirement))
			Expect(destV(lh)).To(Equal(uint64(0xAAAA)))
		})
	})

	Describe("initialization", func() {
		It("comes up with both Dcache ways enabled and kernel alt mode", func() {
			Expect(m.ReadDcCtl().SetEn).To(Equal(uint8(3)))
			Expect(m.ReadDtbAltMode().AltMode).To(Equal(mbox.Kernel))
		})

		It("fails when a collaborator is missing", func() {
			_, err := mbox.New(mbox.DefaultConfig(), nil, dc, bc)
			Expect(err).To(MatchError(mbox.ErrMissingDependency))
		})
	})
})

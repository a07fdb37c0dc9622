// Package main provides the axpsim command: a demonstration driver that
// pushes a scripted load/store sequence through the 21264 memory pipeline
// and prints what the pipeline did with it.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sarchlab/axpsim/cache"
	"github.com/sarchlab/axpsim/cbox"
	"github.com/sarchlab/axpsim/ebox"
	"github.com/sarchlab/axpsim/ibox"
	"github.com/sarchlab/axpsim/insts"
	"github.com/sarchlab/axpsim/mbox"
)

var (
	configPath = flag.String("config", "", "Path to pipeline configuration JSON file")
	traceFlag  = flag.Bool("trace", false, "Trace Mbox state transitions")
	verbose    = flag.Bool("v", false, "Verbose output")
)

const pagePA = uint64(0x40000)

func main() {
	flag.Parse()

	cfg := mbox.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = mbox.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	window := ibox.NewWindow(128)
	memory := cache.NewMemory()
	dcache := cache.NewDcache(cfg.Dcache)
	bcache := cache.NewBcache(cfg.Bcache, memory)
	cb := cbox.New(dcache, bcache, memory)

	opts := []mbox.Option{mbox.WithSystem(cb)}
	if *traceFlag {
		opts = append(opts, mbox.WithTrace(os.Stderr))
	}

	m, err := mbox.New(cfg, window, dcache, bcache, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing Mbox: %v\n", err)
		os.Exit(1)
	}
	cb.Bind(m)

	// Map the first virtual page of the demo's address space to pagePA.
	m.WriteDtbTag0(mbox.DtbTag{VA: 0})
	m.WriteDtbPte0(mbox.DtbPTE{
		PA:  pagePA,
		KRE: true, KWE: true,
	})

	lsu := ebox.NewLoadStoreUnit(m, window)

	m.Start()
	defer m.Stop()

	memory.Write64(pagePA+0x100, 0x1122_3344_5566_7788)

	fmt.Println("axpsim - Alpha 21264 memory pipeline demo")
	fmt.Println()

	// A load that misses both caches and round-trips through the MAF.
	h := issue(lsu, window, insts.Instruction{
		Opcode: insts.OpLDQ, Dest: 1, Src1V: 0x100,
	})
	waitFor(window, cb, h)
	report("LDQ 0x100 (miss fill)", window, h)

	// A store forwarded to a younger load before it ever commits.
	sh := issue(lsu, window, insts.Instruction{
		Opcode: insts.OpSTQ, Src1V: 0x200, Src2V: 0xDEAD_BEEF,
	})
	lh := issue(lsu, window, insts.Instruction{
		Opcode: insts.OpLDQ, Dest: 2, Src1V: 0x200,
	})
	waitFor(window, cb, lh)
	report("LDQ 0x200 (forwarded)", window, lh)

	m.RetireStore(0)
	_ = sh

	// Load-locked / store-conditional round trip.
	ll := issue(lsu, window, insts.Instruction{
		Opcode: insts.OpLDQ_L, Dest: 3, Src1V: 0x100,
	})
	waitFor(window, cb, ll)
	retired, _ := window.Retire(ll)
	m.InstructionRetired(retired)

	sc := issue(lsu, window, insts.Instruction{
		Opcode: insts.OpSTQ_C, Dest: 3, Src1V: 0x100, Src2V: 0xC001_D00D,
	})
	scSlot := uint32(1)
	m.RetireStore(scSlot)
	for i := 0; i < 100; i++ {
		cb.Service()
		if instr, ok := window.View(sc); ok && instr.DestV == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	report("STQ_C 0x100", window, sc)

	if *verbose {
		stats := bcache.Stats()
		fmt.Println()
		fmt.Printf("Bcache: %d reads, %d hits, %d misses\n",
			stats.Reads, stats.Hits, stats.Misses)
		fmt.Printf("Lock flag: %v\n", m.LockFlag())
	}
}

func issue(lsu *ebox.LoadStoreUnit, window *ibox.Window, in insts.Instruction) ibox.Handle {
	h := window.Alloc(in)
	if err := lsu.Issue(h); err != nil {
		fmt.Fprintf(os.Stderr, "Issue failed: %v\n", err)
		os.Exit(1)
	}
	return h
}

func waitFor(window *ibox.Window, cb *cbox.Cbox, h ibox.Handle) {
	for i := 0; i < 1000; i++ {
		cb.Service()
		if window.State(h) == insts.WaitingRetirement {
			return
		}
		time.Sleep(time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "Timed out waiting for completion")
	os.Exit(1)
}

func report(label string, window *ibox.Window, h ibox.Handle) {
	instr, _ := window.View(h)
	fmt.Printf("%-24s -> destv %#x\n", label, instr.DestV)
}

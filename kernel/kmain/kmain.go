// Package kmain sequences spec §4.H's boot path end to end: the boot
// hart's pivot into the high half, the final kernel page table, platform
// init, secondary-hart bring-up via SBI HSM, and entry into each hart's
// scheduler loop. It is the Go analogue of the teacher's kernel/kmain.go
// (single Kmain entry point called from external rt0 linkage), extended
// to the multi-hart handshake original_source/os/main.c's boot_hart/
// other_hart split describes, since the teacher targets a single core.
package kmain

import (
	"reflect"
	"riscvkernel/kernel"
	"riscvkernel/kernel/boot"
	"riscvkernel/kernel/console"
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/goruntime"
	"riscvkernel/kernel/kfmt"
	"riscvkernel/kernel/kfmt/early"
	"riscvkernel/kernel/loader"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"riscvkernel/kernel/mem/vmm"
	"riscvkernel/kernel/plic"
	"riscvkernel/kernel/proc"
	"riscvkernel/kernel/smp"
	"riscvkernel/kernel/syscall"
	"riscvkernel/kernel/timer"
	"riscvkernel/kernel/trampoline"
	"riscvkernel/kernel/trap"
)

var (
	errKmainReturned     = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errSchedulerReturned = &kernel.Error{Module: "kmain", Message: "Scheduler returned"}

	physAlloc  pmm.Allocator
	kernelRoot pmm.Frame
)

func allocFrame() (pmm.Frame, *kernel.Error) { return physAlloc.AllocFrame() }
func freeFrame(f pmm.Frame)                  { physAlloc.FreeFrame(f) }

func schedStackTop(hartID int) uintptr {
	base := mem.KERNEL_STACK_SCHED + uintptr(hartID)*2*uintptr(mem.StackSize)
	return base + uintptr(mem.StackSize)
}

// secondaryEntryPA is the physical address SBI HSM should jump every
// secondary hart to: a tiny stub, outside this Go module's scope for the
// same reason kernel/boot's own doc comment gives for the boot hart's
// first instruction, that sets tp from a0, establishes a temporary stack
// and Go g0, and calls KmainSecondary(int(a0)). Kmain receives it from
// the same external linkage that hands it imageStart/imageEnd/textEnd,
// since nothing in this module can compute the address of code outside
// it.
var secondaryEntryPA uintptr

// Kmain is the only Go symbol the boot hart's external entry linkage
// calls (spec §4.H step 1 -- BSS already zeroed, tp already 0). imageStart
// and imageEnd bound the whole kernel image; textEnd is the one
// additional linker symbol this design needs beyond the teacher's own
// (kernelStart, kernelEnd) pair, marking the boundary between the R+X
// .text region and the R+W rest, matching original_source/os/kvm.c's
// s_text/e_text globals. entryPA is secondaryEntryPA, described above.
// Never returns.
//
//go:noinline
func Kmain(imageStart, imageEnd, textEnd, entryPA uintptr) {
	secondaryEntryPA = entryPA
	boot.BootHart(imageStart, imageEnd, func() {
		bootHartMain(imageStart, imageEnd, textEnd)
	})
	kernel.Panic(errKmainReturned)
}

// KmainSecondary is called by a secondary hart's external entry linkage
// once SBI HSM has started it at the physical entry address kmain's own
// bring-up loop supplied (spec §4.H step 6). tp is not yet set.
//
//go:noinline
func KmainSecondary(hartID int) {
	boot.BootSecondary(hartID, func() {
		secondaryMain(hartID)
	})
	kernel.Panic(errKmainReturned)
}

// bootHartMain runs on the temporary page table, on kernel/boot's
// initStack, still at its link-time high-half address (spec §4.H step
// 3). It builds the real kernel table, brings up every secondary hart,
// and only then performs the platform init spec §4.H step 5 lists.
func bootHartMain(imageStart, imageEnd, textEnd uintptr) {
	early.Printf("\nriscvkernel: boot hart starting\n")

	base := mem.PageRoundUp(imageEnd)
	end := mem.KERNEL_PHYS_BASE + uintptr(mem.DirectMapSize)
	if err := physAlloc.Init(base, end); err != nil {
		kernel.Panic(err)
	}
	proc.SetFrameReleaser(freeFrame)

	root, err := allocFrame()
	if err != nil {
		kernel.Panic(err)
	}
	kernelRoot = root

	trampPA := trampoline.TrampolinePA()
	if err := vmm.BuildKernelPageTable(kernelRoot, allocFrame, imageStart, textEnd, textEnd, imageEnd, trampPA); err != nil {
		kernel.Panic(err)
	}
	trampoline.KernelSATP = cpu.MakeSATP(uint64(kernelRoot))

	cpu.WriteSATP(trampoline.KernelSATP)
	cpu.SfenceVMA()
	cpu.WriteSTVEC(uint64(reflect.ValueOf(trap.KernelVec).Pointer()))

	vmm.SetGoHeapSource(kernelRoot, allocFrame)
	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	wireSubsystems()

	kfmt.SetOutputSink(consoleSink{})

	// Start every secondary hart one at a time, waiting for each to
	// confirm it has reached its own WaitHaltSpecificInit spin before
	// starting the next (spec §4.H step 5). Hart 0 is this hart.
	for id := 1; id < mem.NCPU; id++ {
		if code := smp.StartSecondary(id, secondaryEntryPA, uintptr(id)); code != 0 {
			kernel.Panic(&kernel.Error{Module: "kmain", Message: "SBI hart start failed"})
		}
		smp.WaitBooted(int32(id))
	}

	console.Init()
	plic.Init()

	if err := proc.Init(kernelRoot, allocFrame, trampPA, mem.KERNEL_PROC_POOL); err != nil {
		kernel.Panic(err)
	}

	initProc, ierr := proc.Spawn("init")
	if ierr != nil {
		// No embedded user image is linked into this build: cmd/mkuimg
		// generates the init() that populates kernel/loader's registry
		// from a real compiled riscv64 binary, and none is produced by
		// this tree. Booting to a scheduler with no runnable process is
		// pointless, so this is fatal rather than a silent no-op.
		kernel.Panic(ierr)
	}
	proc.SetInitProc(initProc)

	smp.SetHaltSpecificInit()

	plic.InitHart()
	timer.SetNext()
	cpu.DisableInterrupts()

	boot.JumpToSchedStack(schedStackTop(0), func() {
		proc.Scheduler()
		kernel.Panic(errSchedulerReturned)
	})
}

// secondaryMain mirrors bootHartMain's pivot for every other hart: once
// running on the temporary table at its high-half address, it reports in
// and waits for the boot hart to finish platform init before switching to
// the real kernel table and entering its own scheduler loop (spec §4.H
// step 6).
func secondaryMain(hartID int) {
	smp.MarkBooted()
	smp.WaitHaltSpecificInit()

	cpu.WriteSATP(trampoline.KernelSATP)
	cpu.SfenceVMA()
	cpu.WriteSTVEC(uint64(reflect.ValueOf(trap.KernelVec).Pointer()))

	plic.InitHart()
	timer.SetNext()
	cpu.DisableInterrupts()

	boot.JumpToSchedStack(schedStackTop(hartID), func() {
		proc.Scheduler()
		kernel.Panic(errSchedulerReturned)
	})
}

// wireSubsystems installs every function-variable injection point
// spec's design relies on to keep kernel/trap and kernel/proc free of
// direct imports on kernel/plic, kernel/timer, kernel/syscall,
// kernel/console, kernel/loader, kernel/smp and kernel/trampoline.
func wireSubsystems() {
	trap.CurrentProcFn = func() trap.Process {
		p, _ := smp.Mycpu().Proc.(trap.Process)
		return p
	}
	trap.AddressSpaceFn = func(p trap.Process) trap.PTEUpdater {
		pr, ok := p.(*proc.Proc)
		if !ok || pr == nil {
			return nil
		}
		return pr.AddressSpace()
	}
	trap.PlicClaimFn = plic.Claim
	trap.PlicCompleteFn = plic.Complete
	trap.SetNextTimerFn = timer.SetNext
	trap.SyscallFn = syscall.Dispatch
	trap.YieldFn = func() {
		p, ok := smp.Mycpu().Proc.(*proc.Proc)
		if ok && p != nil {
			proc.Yield(p)
		}
	}
	trap.ConsoleIntrFn = console.Intr

	proc.LoadFn = loader.Load
	proc.UserTrapReturnFn = trampoline.UserTrapReturn
}

// consoleSink adapts kernel/console.Putc to the io.Writer kernel/kfmt's
// Printf writes formatted output through, once the UART is up.
type consoleSink struct{}

func (consoleSink) Write(p []byte) (int, error) {
	for _, c := range p {
		console.Putc(c)
	}
	return len(p), nil
}

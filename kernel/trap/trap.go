package trap

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/cpu"
)

// Process is the subset of a running process's state the trap path needs.
// kernel/proc's *Proc implements this structurally; trap never imports
// proc, which would otherwise create an import cycle (proc needs
// TrapFrame from this package).
type Process interface {
	Trapframe() *TrapFrame
	Kill(exitCode int)
	Killed() bool
}

// CurrentProcFn resolves the process currently running on this hart.
// Wired by kernel/kmain at boot to smp.Mycpu().Proc.(Process); trap
// itself has no dependency on kernel/smp or kernel/proc.
var CurrentProcFn func() Process

// Injected subsystem hooks, wired once at boot (spec's function-variable
// idiom, matching kernel/sync's tpFn/intrOnFn overrides). Avoiding direct
// imports here keeps trap from depending on kernel/plic, kernel/timer and
// kernel/syscall, each of which would otherwise need to import trap for
// TrapFrame.
var (
	PlicClaimFn    func() int
	PlicCompleteFn func(irq int)
	SetNextTimerFn func()
	SyscallFn      func(tf *TrapFrame)
	YieldFn        func()
)

// KernelVec is stvec's target whenever the hart is already running in
// supervisor mode (spec §4.J). Implemented in kvec_riscv64.s: it saves
// the registers a Go call might clobber onto the current kernel stack,
// calls KernelTrap, restores them, and executes sret. kernel/kmain
// installs its address once per hart via cpu.WriteSTVEC, and
// kernel/trampoline.UserTrapEntry restores it on every return from a
// user trap (uservec instead points stvec at itself while a process
// runs, per spec §4.H/§4.J).
func KernelVec()

var inKernelTrap bool

// KernelTrap handles a trap taken while already in supervisor mode (spec
// §4.J). It recognizes only the supervisor timer and supervisor external
// interrupts; anything else -- including a second kernel trap before this
// one returns -- is a programmer-bug panic. The panic carries a fixed
// message naming the case; no register values are printed.
func KernelTrap() {
	sepc := cpu.ReadSEPC()
	sstatus := cpu.ReadSSTATUS()

	if sstatus&cpu.SSTATUS_SPP == 0 {
		kernel.Panic("kernel_trap: SPP indicates trap did not come from S-mode")
	}
	if inKernelTrap {
		kernel.Panic("kernel_trap: nested kernel trap")
	}
	inKernelTrap = true

	scause := cpu.ReadSCAUSE()
	switch {
	case isInterrupt(scause) && interruptCode(scause) == cpu.ScauseSupervisorTimer:
		if SetNextTimerFn != nil {
			SetNextTimerFn()
		}
		// Kernel threads are never preempted by the timer (spec §5).

	case isInterrupt(scause) && interruptCode(scause) == cpu.ScauseSupervisorExternal:
		handleExternalInterrupt()

	default:
		kernel.Panic("kernel_trap: unrecognized exception in supervisor mode")
	}

	inKernelTrap = false
	cpu.WriteSEPC(sepc)
	cpu.WriteSSTATUS(sstatus)
}

// UserTrap handles a trap taken from user mode, reached via the
// trampoline's uservec stub after it has saved registers into the
// current process's TrapFrame and switched to the kernel page table and
// stack (spec §4.J).
func UserTrap() {
	if cpu.ReadSSTATUS()&cpu.SSTATUS_SPP != 0 {
		kernel.Panic("usertrap: trap did not come from user mode")
	}

	p := CurrentProcFn()
	tf := p.Trapframe()
	tf.Epc = cpu.ReadSEPC()
	scause := cpu.ReadSCAUSE()

	switch {
	case isInterrupt(scause) && interruptCode(scause) == cpu.ScauseSupervisorTimer:
		if SetNextTimerFn != nil {
			SetNextTimerFn()
		}
		if YieldFn != nil {
			YieldFn() // sole preemption point, spec §5
		}

	case isInterrupt(scause) && interruptCode(scause) == cpu.ScauseSupervisorExternal:
		handleExternalInterrupt()

	case !isInterrupt(scause) && scause == cpu.ScauseEnvCallFromUMode:
		tf.Epc += 4
		cpu.EnableInterrupts()
		if SyscallFn != nil {
			SyscallFn(tf)
		}
		cpu.DisableInterrupts()

	case !isInterrupt(scause) && isPageFault(scause):
		handlePageFault(p, scause)

	case !isInterrupt(scause) && scause == cpu.ScauseIllegalInstruction:
		p.Kill(-3)

	case !isInterrupt(scause) &&
		(scause == cpu.ScauseInstructionMisaligned || scause == cpu.ScauseLoadMisaligned || scause == cpu.ScauseStoreMisaligned):
		p.Kill(-2)

	default:
		p.Kill(-2)
	}
}

func isInterrupt(scause uint64) bool { return scause&cpu.ScauseInterruptBit != 0 }
func interruptCode(scause uint64) uint64 { return scause &^ cpu.ScauseInterruptBit }

func isPageFault(scause uint64) bool {
	switch scause {
	case cpu.ScauseInstructionPageFault, cpu.ScauseLoadPageFault, cpu.ScauseStorePageFault:
		return true
	}
	return false
}

// PTEUpdater is implemented by an address space so the page-fault path
// can perform the A/D-bit recovery spec §4.J and §7 describe without
// trap importing kernel/mm.
type PTEUpdater interface {
	// TouchPTE sets the Accessed bit (and Dirty, for a store fault) on
	// the leaf mapping va, reporting whether one existed to update.
	TouchPTE(va uintptr, isStore bool) bool
}

// AddressSpaceFn resolves the current process's address space for the
// page-fault recovery path.
var AddressSpaceFn func(p Process) PTEUpdater

func handlePageFault(p Process, scause uint64) {
	va := uintptr(cpu.ReadSTVAL())
	if AddressSpaceFn != nil {
		if mm := AddressSpaceFn(p); mm != nil {
			isStore := scause == cpu.ScauseStorePageFault
			if mm.TouchPTE(va, isStore) {
				cpu.SfenceVMA()
				return
			}
		}
	}
	p.Kill(-2)
}

func handleExternalInterrupt() {
	if PlicClaimFn == nil {
		return
	}
	irq := PlicClaimFn()
	if irq == 0 {
		return
	}
	// Dispatch is the console UART IRQ in this design (spec §4.K/§4.L);
	// other devices are out of scope.
	if ConsoleIntrFn != nil {
		ConsoleIntrFn(irq)
	}
	if PlicCompleteFn != nil {
		PlicCompleteFn(irq)
	}
}

// ConsoleIntrFn is invoked with the claimed IRQ number on every external
// interrupt; wired to kernel/console's UART RX handler.
var ConsoleIntrFn func(irq int)

// Package trampoline implements spec §4.J's user/kernel trap boundary:
// the uservec/userret assembly stubs that live at the fixed TRAMPOLINE VA
// in every address space (kernel's own and every process's), and the
// usertrap/usertrapret Go-level logic either side of them. It is kept
// separate from kernel/trap so that trap's TrapFrame type has no
// dependency on kernel/proc, while this package is free to import both.
package trampoline

import (
	"reflect"
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/proc"
	"riscvkernel/kernel/trap"
)

// uservec and userret are declared with no body here; trampoline_riscv64.s
// supplies both. uservec is stvec's target while a process runs in user
// mode: it saves every GPR into the trapframe sscratch already points at,
// switches to the kernel page table and stack recorded there, and jumps
// to KernelTrap. userret is entered from UserTrapReturn below once the
// trapframe's kernel-side fields are current: it switches stvec and satp
// to the target process's and restores its GPRs before sret.
//
// Both must fit, together, within the single page trampolinePhysFrame
// assumes (kvm.BuildKernelPageTable maps exactly mem.PageSize bytes at
// TRAMPOLINE) -- the same constraint xv6-riscv's linker script enforces
// for trampoline.S; this repo has no linker script of its own (spec
// §4.H's entry point is out of this module's scope, same as the
// teacher's rt0), so keeping uservec+userret small is an informal
// invariant rather than a build-time-checked one.
func uservec()
func userret(trapframeVA, satp, stvec uintptr)

// KernelSATP is the satp value of the kernel's own page table, recorded
// once by kernel/kmain after kvm_init and read by every UserTrapReturn.
var KernelSATP uint64

// TrampolinePA is the physical frame backing uservec/userret, recorded
// once by kernel/kmain so that it can map the same frame a second time
// at TRAMPOLINE in the kernel's own table and in every process's mm
// (spec §4.I's allocproc, §4.N's loader).
func TrampolinePA() uintptr {
	va := mem.PageRoundDown(uintptr(reflect.ValueOf(uservec).Pointer()))
	return mem.KernelVAToPA(va)
}

func uservecOffset() uintptr {
	uservecVA := uintptr(reflect.ValueOf(uservec).Pointer())
	return uservecVA - mem.PageRoundDown(uservecVA)
}

func userretOffset() uintptr {
	base := mem.PageRoundDown(uintptr(reflect.ValueOf(uservec).Pointer()))
	return uintptr(reflect.ValueOf(userret).Pointer()) - base
}

// usertrapEntryAddr is the address uservec jumps to after switching into
// the kernel page table and stack; it is the same for every process, so
// UserTrapReturn computes it once per call rather than keeping a global
// (reflect.ValueOf is cheap and this runs only on the user<->kernel
// boundary, not per instruction).
func usertrapEntryAddr() uint64 {
	return uint64(reflect.ValueOf(UserTrapEntry).Pointer())
}

// UserTrapEntry is where uservec transfers control after saving the
// trapframe and switching to the kernel stack (spec §4.J's usertrap,
// mirrored by the trapframe's KernelTrap field). It dispatches the trap,
// then always resumes the process via UserTrapReturn -- for the
// yield/sleep/exit paths, by the time sched() returns control here the
// process has simply been rescheduled, and resuming it is exactly what
// should happen next.
//
//go:nosplit
func UserTrapEntry() {
	cpu.WriteSTVEC(uint64(reflect.ValueOf(trap.KernelVec).Pointer()))

	trap.UserTrap()

	p, ok := trap.CurrentProcFn().(*proc.Proc)
	if !ok || p == nil {
		cpu.Halt()
	}
	UserTrapReturn(p)
}

// UserTrapReturn implements spec §4.J's usertrapret: prepare the
// trapframe's kernel-side fields, switch sstatus to SPP=U/SPIE=1, and
// jump into userret with the process's satp and the stvec value uservec
// should run at next time. Never returns. Used both by the first-ever
// schedule of a process (proc.UserTrapReturnFn, via
// firstSchedUserretGo) and by every subsequent trap return (via
// UserTrapEntry above).
func UserTrapReturn(p *proc.Proc) {
	cpu.DisableInterrupts()

	tf := p.Trapframe()
	tf.KernelSATP = KernelSATP
	tf.KernelSP = uint64(p.KernelStackTop())
	tf.KernelTrap = usertrapEntryAddr()
	tf.KernelHartID = cpu.TP()

	sstatus := cpu.ReadSSTATUS()
	sstatus &^= cpu.SSTATUS_SPP
	sstatus |= cpu.SSTATUS_SPIE
	cpu.WriteSSTATUS(sstatus)

	cpu.WriteSEPC(tf.Epc)

	satp := cpu.MakeSATP(uint64(p.AddressSpace().Root))
	stvec := uint64(mem.TRAMPOLINE) + uint64(uservecOffset())
	userretEntry := mem.TRAMPOLINE + userretOffset()

	jumpToUserret(userretEntry, mem.TRAPFRAME, uintptr(satp), uintptr(stvec))
}

// jumpToUserret is implemented in trampoline_riscv64.s: it calls userret
// at a runtime-computed address (TRAMPOLINE+offset, not a link-time
// symbol -- the Go compiler cannot emit a direct CALL to an address it
// doesn't know at compile time), passing trapframeVA/satp/stvec in
// a0/a1/a2 per the riscv64 calling convention. Never returns.
func jumpToUserret(entry, trapframeVA, satp, stvec uintptr)

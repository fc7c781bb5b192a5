// Package boot implements spec §4.H's boot relocation sequence: the
// temporary identity + high-half + direct-map-seed page table, the satp
// pivot, and the absolute jump that lands each hart's Go code running at
// its link-time high-half address (spec §4.N's "boot relocation" half,
// alongside kernel/loader's ELF loading half).
//
// Everything here runs before kernel/mem/vmm's real direct map exists, so
// it is careful to only ever take the address of its own package-level
// arrays (safe under RISC-V's PC-relative addressing regardless of
// whether the MMU is on) and never dereference a kernel/mem VA constant
// as if it were the address the CPU is currently executing at -- those
// constants describe the final mapping, not whatever is live yet.
//
// The entry stub that sets tp, establishes an initial stack, and calls
// BootHart/BootSecondary for the first time is platform linkage outside
// this Go module, mirroring the teacher's own rt0.s/GDT setup living
// outside the retrieved Go sources; this package picks up from the first
// Go call.
package boot

import (
	"reflect"
	"riscvkernel/kernel"
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"riscvkernel/kernel/mem/vmm"
	"unsafe"
)

const earlyArenaPages = 16

// earlyArena backs the handful of page-table frames the temporary
// mapping needs, before the real physical frame allocator exists: one
// root plus one L1 table per 1 GiB region the three leaves in
// buildTempTable fall into.
var earlyArena [(earlyArenaPages + 1) * mem.PageSize]byte
var earlyNext int

var errEarlyOOM = &kernel.Error{Module: "boot", Message: "early page-table arena exhausted"}

func earlyAlloc() (pmm.Frame, *kernel.Error) {
	if earlyNext >= earlyArenaPages {
		return pmm.InvalidFrame, errEarlyOOM
	}
	base := mem.PageRoundUp(uintptr(unsafe.Pointer(&earlyArena[0])))
	pa := base + uintptr(earlyNext)*uintptr(mem.PageSize)
	earlyNext++
	return pmm.FrameFromAddress(pa), nil
}

const stackPages = 4

// initStack is the stack BootHart jumps onto immediately after the temp
// table pivot.
var initStack [(stackPages + 1) * mem.PageSize]byte

// secondaryStacks gives each secondary hart its own scratch stack for the
// interval between the temp-table pivot and kernel/kmain relocating it
// onto its real per-CPU scheduler stack.
var secondaryStacks [mem.NCPU][(stackPages + 1) * mem.PageSize]byte

func stackTop(arena []byte) uintptr {
	base := mem.PageRoundUp(uintptr(unsafe.Pointer(&arena[0])))
	return base + uintptr(stackPages)*uintptr(mem.PageSize)
}

func identity(pa uintptr) uintptr { return pa }

// jumpHigh sets sp and performs a computed jump to pc, never returning to
// its caller. Implemented in pivot_riscv64.s. Used both for the temp-table
// pivot below and by kernel/kmain for the later move onto the per-CPU
// scheduler stack once the final kernel table is live -- the same
// "abandon this stack, start fresh at a known PC" shape as proc.swtch's
// landing pad, just with no saved context to return to.
func jumpHigh(sp, pc uint64)

// buildTempTable installs the leaves spec §4.H step 2 describes: the
// kernel image identity-mapped at its load address (so code keeps
// executing correctly for the instructions between the satp write below
// and the jump), the same image mapped again at its link-time
// KERNEL_VIRT_BASE address, and the full direct map of tracked RAM
// seeded ahead of kernel/mem/vmm.BuildKernelPageTable -- every physical
// frame kernel/mem/pmm.Allocator will later track must already be
// dereferenceable through mem.KVA before Init runs, since Init runs
// before the final table's own direct map replaces this one (spec
// §4.H step 5). All 2 MiB leaves here fall inside the same 1 GiB
// region as KERNEL_PHYS_BASE, so they share the one L1 branch table
// walkLevel1 allocates on its first call; looping the full range costs
// no extra frames over the single seed leaf this used to install.
//
// The caller must have already pointed kernel/mem/vmm.KVAFn at the
// identity function: the MMU is not active yet, so every address used to
// reach a page table here, including the frames earlyAlloc just handed
// out, is a raw physical address, not a direct-mapped kernel VA.
func buildTempTable(root pmm.Frame, imageStart, imageEnd uintptr) {
	start := mem.PageRoundDown(imageStart)
	size := mem.PageRoundUp(imageEnd) - start
	delta := mem.KERNEL_VIRT_BASE - mem.KERNEL_PHYS_BASE
	rwx := vmm.FlagRead | vmm.FlagWrite | vmm.FlagExec

	vmm.Kvmmap(root, start, start, size, rwx, earlyAlloc)
	vmm.Kvmmap(root, start+delta, start, size, rwx, earlyAlloc)

	for off := uintptr(0); off < uintptr(mem.DirectMapSize); off += uintptr(mem.HugePageSize) {
		pa := mem.KERNEL_PHYS_BASE + off
		vmm.Kvmmap(root, mem.KVA(pa), pa, uintptr(mem.HugePageSize), vmm.FlagRead|vmm.FlagWrite, earlyAlloc)
	}
}

// tempRoot is the frame BootHart activates; every secondary hart pivots
// into the same table (spec §4.H step 6). It is never written again
// after BootHart returns control to cont, so sharing it needs no lock.
var tempRoot pmm.Frame

// BootHart runs spec §4.H steps 1-3 for the boot hart: set tp=0, build and
// activate the temporary table, then pivot onto initStack and jump into
// cont, which now runs from the kernel's link-time high-half address.
// cont is typically kernel/kmain's high-half continuation, which goes on
// to run BuildKernelPageTable (step 4) and the rest of platform init.
// Never returns.
func BootHart(imageStart, imageEnd uintptr, cont func()) {
	cpu.SetTP(0)

	root, err := earlyAlloc()
	if err != nil {
		kernel.Panic(err)
	}
	vmm.ZeroTable(root)

	origKVA := vmm.KVAFn
	vmm.KVAFn = identity
	buildTempTable(root, imageStart, imageEnd)
	vmm.KVAFn = origKVA

	tempRoot = root
	cpu.WriteSATP(cpu.MakeSATP(uint64(root)))

	jumpHigh(uint64(stackTop(initStack[:])), uint64(reflect.ValueOf(cont).Pointer()))
}

// BootSecondary runs spec §4.H step 6 for a non-boot hart: set tp, pivot
// into the temporary table BootHart already built and activated, and jump
// into cont. Never returns.
func BootSecondary(hartID int, cont func()) {
	cpu.SetTP(uint64(hartID))
	cpu.WriteSATP(cpu.MakeSATP(uint64(tempRoot)))

	jumpHigh(uint64(stackTop(secondaryStacks[hartID][:])), uint64(reflect.ValueOf(cont).Pointer()))
}

// JumpToSchedStack moves execution onto sp and jumps to cont, discarding
// the calling stack frame entirely. kernel/kmain uses this for spec §4.H
// step 4's "sp moved to the per-CPU scheduler stack" once
// BuildKernelPageTable has mapped it into the now-final kernel table.
func JumpToSchedStack(sp uintptr, cont func()) {
	jumpHigh(uint64(sp), uint64(reflect.ValueOf(cont).Pointer()))
}

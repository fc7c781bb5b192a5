// +build riscv64

package mem

// PointerShift is equal to log2(unsafe.Sizeof(uintptr)) on a 64-bit target.
const PointerShift = 3

// PageShift is equal to log2(PageSize).
const PageShift = 12

// PageSize defines the system's page size in bytes (Sv39 base page).
const PageSize = Size(1 << PageShift)

// HugePageShift/HugePageSize describe the 2 MiB leaf size used by Sv39's
// level-1 page table entries for the kernel image and the direct map
// (spec §3, §4.F).
const (
	HugePageShift = 21
	HugePageSize  = Size(1 << HugePageShift)
)

// NCPU bounds the number of harts this kernel can boot (spec §4.H).
const NCPU = 4

// NPROC bounds the size of the process pool (spec §4.I).
const NPROC = 64

// StackSize is the size of every per-CPU scheduler stack and every
// per-process kernel stack, each followed by one guard-sized gap of
// unmapped VA (spec §4.F.4, §4.I).
const StackSize = Size(4 * PageSize)

// Sv39 fixes the number of page table levels and entries per table.
const (
	PTEsPerTable = 512
	PTLevels     = 3
)

// MAXVA is 2^38, the largest user virtual address this design permits
// (spec §3). Sv39 can in principle address 2^38-1 directly below the
// recursive/sign-extended region; we simply never map above it.
const MAXVA = uintptr(1) << 38

// TRAMPOLINE/TRAPFRAME occupy the two pages directly below MAXVA in every
// user address space (spec §6).
const (
	TRAMPOLINE = MAXVA - uintptr(PageSize)
	TRAPFRAME  = TRAMPOLINE - uintptr(PageSize)
)

// USTACK_START is the fixed top VA of every process's user stack; the
// stack itself is USTACK_SIZE bytes and grows down from it (spec §4.N).
const (
	USTACK_START = TRAPFRAME
	USTACK_SIZE  = uintptr(4 * PageSize)
)

// Kernel-side virtual memory layout (spec §4.F).
const (
	// KERNEL_PHYS_BASE is where OpenSBI hands off control in PA mode.
	KERNEL_PHYS_BASE = uintptr(0x80200000)

	// KERNEL_VIRT_BASE is the high-half VA the kernel image is linked at
	// and runs from after the pivot described in spec §4.H.
	KERNEL_VIRT_BASE = uintptr(0xffffffff80200000)

	// DIRECT_BASE is the start of the linear direct map of all physical
	// RAM: kva = pa + DIRECT_BASE.
	DIRECT_BASE = uintptr(0xffffffc000000000)

	// KERNEL_STACK_SCHED is the base VA of the per-CPU scheduler stacks,
	// one STACK_SIZE-sized guard gap apart (spec §4.F.4).
	KERNEL_STACK_SCHED = uintptr(0xffffffd000000000)

	// KERNEL_STACK_PROCS is the base VA of the per-process kernel stacks,
	// again one guard-sized gap apart (spec §4.I).
	KERNEL_STACK_PROCS = uintptr(0xffffffd800000000)

	// KERNEL_PROC_POOL is the base VA of kernel/proc's slab-backed Proc
	// pool (spec §4.E, §4.I): the NPROC Proc structs themselves, plus
	// the allocator's own bitmap page.
	KERNEL_PROC_POOL = uintptr(0xffffffd900000000)

	// MMIO windows the kernel maps at fixed high VAs (spec §4.F.3, §6).
	PLIC_VIRT    = uintptr(0xffffffe000000000)
	UART0_VIRT   = uintptr(0xffffffe010000000)
	VIRTIO0_VIRT = uintptr(0xffffffe010001000)

	// GOHEAP_BASE is the start of the VA range kernel/mem/vmm.EarlyReserveRegion
	// bump-allocates from to back the Go runtime's own heap (kernel/goruntime).
	// It sits well above the MMIO windows with room to spare below KERNEL_VIRT_BASE.
	GOHEAP_BASE = uintptr(0xffffffe100000000)

	// GOHEAP_REGION_SIZE bounds how much VA space the Go runtime heap can
	// grow into; EarlyReserveRegion refuses requests beyond it.
	GOHEAP_REGION_SIZE = Size(1 << 33) // 8 GiB of VA, not physically backed until used
)

// Physical MMIO addresses for the QEMU virt machine (spec §6).
const (
	UART0_PHYS   = uintptr(0x10000000)
	PLIC_PHYS    = uintptr(0x0c000000)
	VIRTIO0_PHYS = uintptr(0x10001000)

	UART0_IRQ = 10
)

// DirectMapSize bounds how much physical RAM the direct map covers; QEMU's
// virt machine gives us 128 MiB by default starting at KERNEL_PHYS_BASE.
const DirectMapSize = Size(128 * Mb)

// KVA converts a physical address to its direct-map kernel VA.
func KVA(pa uintptr) uintptr { return pa + DIRECT_BASE }

// PAFromKVA converts a direct-map kernel VA back to a physical address.
func PAFromKVA(kva uintptr) uintptr { return kva - DIRECT_BASE }

// kernelDelta is the uniform shift between the kernel image's physical
// load address and the high-half VA it is linked to run at (spec §4.H).
const kernelDelta = KERNEL_VIRT_BASE - KERNEL_PHYS_BASE

// KernelVAToPA converts a high-half kernel-image VA (anything obtained
// via reflect on a kernel function once running post-pivot) back to the
// physical address the same bytes live at. Used by kernel/kmain to find
// the physical frame backing kernel/trampoline's code, which must be
// mapped a second time at the fixed TRAMPOLINE VA in every user address
// space.
func KernelVAToPA(va uintptr) uintptr { return va - kernelDelta }

// PageRoundDown rounds addr down to the nearest page boundary.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ (uintptr(PageSize) - 1)
}

// PageRoundUp rounds addr up to the nearest page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + uintptr(PageSize) - 1) &^ (uintptr(PageSize) - 1)
}

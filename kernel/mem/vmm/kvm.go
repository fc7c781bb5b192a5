package vmm

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
)

var (
	errKvmDoubleMap  = &kernel.Error{Module: "vmm", Message: "Kvmmap: virtual address already mapped"}
	errKvmLeafCross  = &kernel.Error{Module: "vmm", Message: "Kvmmap: range crosses an existing huge leaf"}
	errKvmMisaligned = &kernel.Error{Module: "vmm", Message: "Kvmmap: va/pa/size not page-aligned"}
)

// Kvmmap installs a mapping for the physical range [pa, pa+size) at va in
// the address space rooted at root, preferring 2 MiB (huge) leaves at
// Sv39 level 1 whenever va, pa and the remaining size are all 2 MiB
// aligned, and falling back to 4 KiB leaves otherwise (spec §4.F). It
// panics if any page in the range is already mapped, or if installing a
// leaf would have to overwrite part of an existing huge leaf, since both
// indicate a layout bug in the caller rather than a runtime condition.
func Kvmmap(root pmm.Frame, va, pa uintptr, size uintptr, flags PTEFlag, alloc FrameAllocFn) {
	if va%uintptr(mem.PageSize) != 0 || pa%uintptr(mem.PageSize) != 0 || size%uintptr(mem.PageSize) != 0 || size == 0 {
		panicFn(errKvmMisaligned)
	}
	if err := ValidateLeafFlags(flags); err != nil {
		panicFn(err)
	}

	for off := uintptr(0); off < size; {
		curVA, curPA := va+off, pa+off
		remaining := size - off

		if huge := remaining >= uintptr(mem.HugePageSize) &&
			curVA%uintptr(mem.HugePageSize) == 0 &&
			curPA%uintptr(mem.HugePageSize) == 0; huge {
			entry, err := walkLevel1(root, curVA, alloc)
			if err != nil {
				panicFn(err)
			}
			if entry.Valid() {
				panicFn(errKvmDoubleMap)
			}
			*entry = MakeLeaf(pmm.FrameFromAddress(curPA), flags)
			off += uintptr(mem.HugePageSize)
			continue
		}

		entry, err := Walk(root, curVA, alloc)
		if err != nil {
			panicFn(err)
		}
		if entry.IsLeaf() && entry.Valid() {
			// Either a true double-map, or curVA falls inside an
			// already-installed huge leaf from a prior call.
			if entry.Frame() == pmm.FrameFromAddress(mem.PageRoundDown(curPA)) {
				panicFn(errKvmDoubleMap)
			}
			panicFn(errKvmLeafCross)
		}
		*entry = MakeLeaf(pmm.FrameFromAddress(curPA), flags)
		off += uintptr(mem.PageSize)
	}
}

// walkLevel1 walks to, and returns a pointer to, the level-1 entry for va
// (the 2 MiB huge-page slot), allocating the level-1 table under the root
// if needed but never descending into level 0. Like Walk, it accepts the
// user range below MAXVA and the sign-extended kernel half.
func walkLevel1(root pmm.Frame, va uintptr, alloc FrameAllocFn) (*PTE, *kernel.Error) {
	if va >= mem.MAXVA && va < ^(mem.MAXVA-1) {
		return nil, errWalkAboveMaxVA
	}
	idx2 := pageIndex(va, 2)
	entry := &tableAt(root)[idx2]
	if !entry.Valid() {
		if alloc == nil {
			return nil, errWalkNotPresent
		}
		newFrame, err := alloc()
		if err != nil {
			return nil, errWalkOOM
		}
		zeroTable(newFrame)
		*entry = MakeBranch(newFrame)
	} else if entry.IsLeaf() {
		return entry, nil
	}
	idx1 := pageIndex(va, 1)
	return &tableAt(entry.Frame())[idx1], nil
}

// BuildKernelPageTable constructs the kernel's own root page table: the
// kernel image (two regions: .text mapped R+X, and dataStart..dataEnd
// mapped R+W; no part of the image is mapped read-only, so .rodata is
// writable through this mapping), the trampoline page, the
// PLIC/UART0/VIRTIO0 MMIO windows, the per-CPU scheduler stacks with guard
// gaps, and the direct map of all tracked physical RAM.
// textStart/textEnd/dataStart/dataEnd delimit the kernel image link-time
// layout; trampolinePA is the physical
// frame the trampoline code has been copied into.
func BuildKernelPageTable(root pmm.Frame, alloc FrameAllocFn, textStart, textEnd, dataStart, dataEnd uintptr, trampolinePA uintptr) *kernel.Error {
	zeroTable(root)

	// 1. Kernel image: R+X for .text, R+W for everything else up to the
	// kernel's end-of-BSS (spec §4.F.1). Both regions are mapped at their
	// link-time high-half VA, identical to their load PA offset by the
	// fixed KERNEL_VIRT_BASE/KERNEL_PHYS_BASE delta. A and D are pre-set
	// on every kernel leaf below, not just the ones the kernel actually
	// writes through: a hart whose hardware does not manage A/D itself
	// traps to KernelTrap on the first touch of a clear bit, and
	// KernelTrap panics on any exception (spec §4.F.1).
	delta := mem.KERNEL_VIRT_BASE - mem.KERNEL_PHYS_BASE
	Kvmmap(root, textStart+delta, textStart, textEnd-textStart, FlagRead|FlagExec|FlagAccessed, alloc)
	Kvmmap(root, dataStart+delta, dataStart, dataEnd-dataStart, FlagRead|FlagWrite|FlagAccessed|FlagDirty, alloc)

	// 2. Trampoline: one page, executable from every address space,
	// mapped at the fixed high VA shared by kernel and user mappings
	// alike (spec §4.F.2, §6).
	Kvmmap(root, mem.TRAMPOLINE, trampolinePA, uintptr(mem.PageSize), FlagRead|FlagExec|FlagAccessed, alloc)

	// 3. MMIO windows (spec §4.F.3, §6).
	Kvmmap(root, mem.PLIC_VIRT, mem.PLIC_PHYS, uintptr(mem.HugePageSize), FlagRead|FlagWrite|FlagAccessed|FlagDirty, alloc)
	Kvmmap(root, mem.UART0_VIRT, mem.UART0_PHYS, uintptr(mem.PageSize), FlagRead|FlagWrite|FlagAccessed|FlagDirty, alloc)
	Kvmmap(root, mem.VIRTIO0_VIRT, mem.VIRTIO0_PHYS, uintptr(mem.PageSize), FlagRead|FlagWrite|FlagAccessed|FlagDirty, alloc)

	// 4. Per-CPU scheduler stacks, one STACK_SIZE gap apart so an overflow
	// faults instead of corrupting the next CPU's stack (spec §4.F.4).
	for id := 0; id < mem.NCPU; id++ {
		stackVA := mem.KERNEL_STACK_SCHED + uintptr(id)*2*uintptr(mem.StackSize)
		for off := uintptr(0); off < uintptr(mem.StackSize); off += uintptr(mem.PageSize) {
			frame, err := alloc()
			if err != nil {
				return err
			}
			Kvmmap(root, stackVA+off, frame.Address(), uintptr(mem.PageSize), FlagRead|FlagWrite|FlagAccessed|FlagDirty, alloc)
		}
	}

	// 5. Direct map of all tracked RAM, via 2 MiB leaves (spec §4.F.5).
	for off := uintptr(0); off < uintptr(mem.DirectMapSize); off += uintptr(mem.HugePageSize) {
		pa := mem.KERNEL_PHYS_BASE + off
		Kvmmap(root, mem.KVA(pa), pa, uintptr(mem.HugePageSize), FlagRead|FlagWrite|FlagAccessed|FlagDirty, alloc)
	}

	return nil
}

package vmm

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"unsafe"
)

// FrameAllocFn allocates a fresh physical frame, or returns
// (pmm.InvalidFrame, err) when none remain. Packages that walk a page
// table inject this rather than calling kernel/mem/pmm directly, matching
// the teacher's mapFn/activePDTFn override-for-test idiom in
// kernel/mem/vmm/pdt.go.
type FrameAllocFn func() (pmm.Frame, *kernel.Error)

var (
	errWalkAboveMaxVA = &kernel.Error{Module: "vmm", Message: "address at or above MAXVA"}
	errWalkNotPresent = &kernel.Error{Module: "vmm", Message: "intermediate page table entry not present"}
	errWalkOOM        = &kernel.Error{Module: "vmm", Message: "out of memory while allocating page table"}

	// panicFn is mocked by tests; see kernel/mem/pmm.panicFn for rationale.
	panicFn = kernel.Panic

	// KVAFn resolves a physical address to a readable/writable VA. On
	// target it is the kernel's direct map; host tests (in this package
	// and in callers such as kernel/mem/slab) override it with the
	// identity function so a table "frame" can be backed by an ordinary
	// Go-allocated byte slice -- there is no real direct map on the test
	// host.
	KVAFn = mem.KVA
)

// tableAt returns a slice view of the 512-entry page table stored at the
// given physical frame, addressed through the kernel's direct map.
func tableAt(frame pmm.Frame) *[mem.PTEsPerTable]PTE {
	return (*[mem.PTEsPerTable]PTE)(unsafe.Pointer(KVAFn(frame.Address())))
}

// zeroTable clears a freshly allocated page table frame.
func zeroTable(frame pmm.Frame) {
	t := tableAt(frame)
	for i := range t {
		t[i] = 0
	}
}

// ZeroTable clears a freshly allocated root page table frame. Exported
// for callers (kernel/mm's mm_create) that allocate a root directly
// rather than through Walk/Kvmmap.
func ZeroTable(frame pmm.Frame) { zeroTable(frame) }

// Walk returns a pointer to the level-0 (leaf) page table entry for va
// within the address space rooted at root. When alloc is non-nil, missing
// L1/L0 intermediate tables are allocated and linked in; otherwise a
// missing intermediate table yields errWalkNotPresent. va must be below
// MAXVA (the user range, spec §4.G) or in the sign-extended kernel half
// at or above ^(MAXVA-1); an address in the gap between yields
// errWalkAboveMaxVA.
func Walk(root pmm.Frame, va uintptr, alloc FrameAllocFn) (*PTE, *kernel.Error) {
	if va >= mem.MAXVA && va < ^(mem.MAXVA-1) {
		return nil, errWalkAboveMaxVA
	}

	table := root
	for level := mem.PTLevels - 1; level > 0; level-- {
		idx := pageIndex(va, level)
		entry := &tableAt(table)[idx]

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
			// A huge page occupies this slot (e.g. the kernel's
			// own 2 MiB mappings) -- there is no finer-grained
			// leaf beneath it to return.
			return entry, nil
		}

		table = entry.Frame()
	}

	idx := pageIndex(va, 0)
	return &tableAt(table)[idx], nil
}

// Lookup walks an address space without allocating and returns the final
// PTE, or errWalkNotPresent/errWalkAboveMaxVA if it is not mapped.
func Lookup(root pmm.Frame, va uintptr) (*PTE, *kernel.Error) {
	return Walk(root, va, nil)
}

// FreeTable reclaims every intermediate L1/L0 branch table frame in the
// tree rooted at root, then root itself, via free. It never calls free on
// a leaf entry's frame -- callers that still have live VMA mappings (or
// anything else installed at a leaf) must reclaim those frames themselves
// first, e.g. via a VMA walk. This is the address-space teardown step
// kernel/mm's Destroy needs once its own VMA frames are gone (spec §4.G's
// mm_destroy): an mm allocates a fresh root (and, as pages get mapped in,
// fresh branch tables) every time mm.Create runs, so nothing else ever
// reclaims them.
func FreeTable(root pmm.Frame, free func(pmm.Frame)) {
	freeBranches(root, mem.PTLevels-1, free)
	free(root)
}

// freeBranches recurses into every valid, non-leaf entry of the table at
// level, freeing the child table frame (and everything beneath it) after
// it returns. level 0 tables hold only leaf entries, so there is nothing
// left to recurse into once level reaches it.
func freeBranches(table pmm.Frame, level int, free func(pmm.Frame)) {
	if level == 0 {
		return
	}
	t := tableAt(table)
	for i := range t {
		entry := t[i]
		if !entry.Valid() || entry.IsLeaf() {
			continue
		}
		freeBranches(entry.Frame(), level-1, free)
		free(entry.Frame())
	}
}

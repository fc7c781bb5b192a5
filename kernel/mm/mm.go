// Package mm implements per-process virtual memory: VMAs, page mapping
// and unmapping, the fork-time address-space copy, and the
// copy_to_user/copy_from_user/copystr_from_user boundary-crossing helpers
// (spec §4.G). It sits on top of kernel/mem/vmm's Sv39 primitives, the
// same ones kernel/mem/vmm's kvm builder uses for the kernel's own
// address space. Adapted from the teacher's kernel/mm package (the
// per-process address-space object and its VMA list), replaced with the
// non-COW byte-copy fork model original_source/os/proc.c's `mm_copy`
// implements.
package mm

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"riscvkernel/kernel/mem/vmm"
	"riscvkernel/kernel/sync"
	"unsafe"
)

var (
	errRemap       = &kernel.Error{Module: "mm", Message: "mm_mappages: range already mapped"}
	errBadRange    = &kernel.Error{Module: "mm", Message: "VMA range not page-aligned or empty"}
	errCopyFault   = &kernel.Error{Module: "mm", Message: "copy_*_user: unmapped or inaccessible page"}

	panicFn = kernel.Panic
)

// VMA describes one contiguous mapped region of a process's address
// space (spec §3, §4.G).
type VMA struct {
	Start, End uintptr
	Flags      vmm.PTEFlag
}

// MM is a process's address space: its Sv39 root page table frame plus
// the VMA list describing what is mapped within it.
type MM struct {
	lock      sync.Spinlock
	Root      pmm.Frame
	vmas      []VMA
	destroyed bool
}

// Create allocates a fresh root page table for a new address space (spec
// §4.G's mm_create).
func Create(alloc vmm.FrameAllocFn) (*MM, *kernel.Error) {
	root, err := alloc()
	if err != nil {
		return nil, err
	}
	vmm.ZeroTable(root)
	return &MM{Root: root}, nil
}

// MapPages allocates one fresh frame per page in [vma.Start, vma.End) and
// installs a valid leaf PTE with vma.Flags for each, then records vma.
// Mapping a range that overlaps any existing VMA is an error (spec
// §4.G's mm_mappages -- "remapping is an error").
func (m *MM) MapPages(vma VMA, alloc vmm.FrameAllocFn) *kernel.Error {
	if vma.Start%uintptr(mem.PageSize) != 0 || vma.End%uintptr(mem.PageSize) != 0 || vma.End <= vma.Start {
		return errBadRange
	}
	if err := vmm.ValidateLeafFlags(vma.Flags); err != nil {
		return err
	}

	m.lock.Acquire()
	defer m.lock.Release()

	for _, existing := range m.vmas {
		if vma.Start < existing.End && existing.Start < vma.End {
			return errRemap
		}
	}

	for va := vma.Start; va < vma.End; va += uintptr(mem.PageSize) {
		frame, err := alloc()
		if err != nil {
			return err
		}
		pte, werr := vmm.Walk(m.Root, va, alloc)
		if werr != nil {
			return werr
		}
		if pte.Valid() {
			return errRemap
		}
		*pte = vmm.MakeLeaf(frame, vma.Flags)
	}

	m.vmas = append(m.vmas, vma)
	return nil
}

// MapPageAt installs a single leaf mapping at va for an already-owned
// physical frame, used for the shared trampoline page and a process's own
// trapframe (spec §4.G's mm_mappagesat).
func (m *MM) MapPageAt(va uintptr, frame pmm.Frame, flags vmm.PTEFlag, alloc vmm.FrameAllocFn) *kernel.Error {
	if va%uintptr(mem.PageSize) != 0 {
		return errBadRange
	}
	m.lock.Acquire()
	defer m.lock.Release()

	pte, err := vmm.Walk(m.Root, va, alloc)
	if err != nil {
		return err
	}
	if pte.Valid() {
		return errRemap
	}
	*pte = vmm.MakeLeaf(frame, flags)
	return nil
}

// Copy clones every VMA of src into dst, allocating a fresh frame per page
// and byte-copying its contents via the kernel direct map. This is the
// fork path (spec §4.G's mm_copy) -- it is deliberately not
// copy-on-write, so a write to one address space's copy of a page never
// perturbs the other's.
func Copy(dst, src *MM, alloc vmm.FrameAllocFn) *kernel.Error {
	src.lock.Acquire()
	vmas := append([]VMA(nil), src.vmas...)
	src.lock.Release()

	for _, vma := range vmas {
		if err := dst.MapPages(VMA{Start: vma.Start, End: vma.End, Flags: vma.Flags}, alloc); err != nil {
			return err
		}
		for va := vma.Start; va < vma.End; va += uintptr(mem.PageSize) {
			srcPTE, serr := vmm.Lookup(src.Root, va)
			if serr != nil {
				return serr
			}
			dstPTE, derr := vmm.Lookup(dst.Root, va)
			if derr != nil {
				return derr
			}
			srcKVA := vmm.KVAFn(srcPTE.Frame().Address())
			dstKVA := vmm.KVAFn(dstPTE.Frame().Address())
			kernel.Memcopy(srcKVA, dstKVA, uintptr(mem.PageSize))
		}
	}
	return nil
}

// lookupUser resolves va to its backing PTE, requiring it be a valid,
// user-accessible leaf.
func (m *MM) lookupUser(va uintptr) (vmm.PTE, *kernel.Error) {
	pte, err := vmm.Lookup(m.Root, mem.PageRoundDown(va))
	if err != nil {
		return 0, errCopyFault
	}
	if !pte.Valid() || !pte.HasFlags(vmm.FlagUser) {
		return 0, errCopyFault
	}
	return *pte, nil
}

// TouchPTE implements trap.PTEUpdater: on a page fault for va, sets the
// Accessed bit (and Dirty, for a store fault) on its leaf mapping if one
// is installed and valid, reporting whether recovery was possible (spec
// §4.J, §7's "recoverable kernel events").
func (m *MM) TouchPTE(va uintptr, isStore bool) bool {
	pte, err := vmm.Lookup(m.Root, mem.PageRoundDown(va))
	if err != nil || !pte.Valid() {
		return false
	}
	pte.SetFlags(vmm.FlagAccessed)
	if isStore {
		pte.SetFlags(vmm.FlagDirty)
	}
	return true
}

// CopyToUser copies len(src) bytes from kernel memory to user virtual
// address dstVA, page by page, via the direct map. Returns errCopyFault
// if any destination page is unmapped or not user-accessible.
func (m *MM) CopyToUser(dstVA uintptr, src []byte) *kernel.Error {
	for len(src) > 0 {
		pte, err := m.lookupUser(dstVA)
		if err != nil {
			return err
		}
		pageOff := dstVA % uintptr(mem.PageSize)
		n := uintptr(mem.PageSize) - pageOff
		if n > uintptr(len(src)) {
			n = uintptr(len(src))
		}
		kva := vmm.KVAFn(pte.Frame().Address()) + pageOff
		kernel.Memcopy(addrOf(src), kva, n)
		dstVA += n
		src = src[n:]
	}
	return nil
}

// CopyFromUser copies len(dst) bytes from user virtual address srcVA into
// kernel memory dst, page by page, via the direct map.
func (m *MM) CopyFromUser(dst []byte, srcVA uintptr) *kernel.Error {
	for len(dst) > 0 {
		pte, err := m.lookupUser(srcVA)
		if err != nil {
			return err
		}
		pageOff := srcVA % uintptr(mem.PageSize)
		n := uintptr(mem.PageSize) - pageOff
		if n > uintptr(len(dst)) {
			n = uintptr(len(dst))
		}
		kva := vmm.KVAFn(pte.Frame().Address()) + pageOff
		kernel.Memcopy(kva, addrOf(dst), n)
		srcVA += n
		dst = dst[n:]
	}
	return nil
}

// CopyStrFromUser copies a NUL-terminated string from srcVA into dst, up
// to max bytes, stopping at and including the first NUL. Returns the
// number of bytes copied (including the NUL) or -1 if the NUL is not
// found within max bytes or a page in range is unmapped/inaccessible
// (spec §4.G, §8).
func (m *MM) CopyStrFromUser(dst []byte, srcVA uintptr, max int) int {
	if max > len(dst) {
		max = len(dst)
	}
	copied := 0
	for copied < max {
		pte, err := m.lookupUser(srcVA)
		if err != nil {
			return -1
		}
		pageOff := srcVA % uintptr(mem.PageSize)
		avail := int(uintptr(mem.PageSize) - pageOff)
		kva := vmm.KVAFn(pte.Frame().Address()) + pageOff
		page := bytesAt(kva, avail)

		for _, c := range page {
			if copied >= max {
				return -1
			}
			dst[copied] = c
			copied++
			if c == 0 {
				return copied
			}
		}
		srcVA += uintptr(avail)
	}
	return -1
}

// addrOf returns the address of a byte slice's backing array, for use
// with kernel.Memcopy.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// bytesAt overlays a []byte view of length n on top of addr.
func bytesAt(addr uintptr, n int) []byte {
	return (*[1 << 30]byte)(unsafe.Pointer(addr))[:n:n]
}

// FreeFn returns a physical frame to the owning allocator; kernel/proc
// wires this to (*pmm.Allocator).FreeFrame.
type FreeFn func(pmm.Frame)

// Reset frees every frame backing the current VMAs and clears the VMA
// list, leaving the root table and anything mapped outside the VMA list
// (the trampoline and trapframe, installed via MapPageAt) intact and
// reusable. This is exec's "free all pages below trampoline/trapframe"
// step (spec §4.I) -- the address space survives and is reloaded in
// place.
func (m *MM) Reset(free FreeFn) {
	m.lock.Acquire()
	defer m.lock.Release()
	m.reset(free)
}

func (m *MM) reset(free FreeFn) {
	for _, vma := range m.vmas {
		for va := vma.Start; va < vma.End; va += uintptr(mem.PageSize) {
			pte, err := vmm.Lookup(m.Root, va)
			if err != nil || !pte.Valid() {
				continue
			}
			free(pte.Frame())
			*pte = 0
		}
	}
	m.vmas = nil
}

// Destroy releases every frame backing this address space's VMAs, then
// every intermediate L1/L0 page table frame and the root table itself
// (exit's teardown, spec §4.I's freeproc) -- mm.Create hands out a fresh
// root every time an address space is built, so nothing else ever
// reclaims it. The trampoline/trapframe leaf frames are left mapped and
// untouched: they outlive the mm in kernel/proc's pool, and FreeTable
// only ever frees branch tables, never a leaf's frame. A second Destroy
// is a programmer error.
func (m *MM) Destroy(free FreeFn) {
	m.lock.Acquire()
	defer m.lock.Release()

	if m.destroyed {
		panicFn(&kernel.Error{Module: "mm", Message: "Destroy called twice on the same address space"})
	}
	m.destroyed = true
	m.reset(free)
	vmm.FreeTable(m.Root, free)
}

// Package slab implements the kernel's fixed-size object allocator: a
// pool of obj_size-aligned slots carved out of a dedicated kernel VA
// range, tracked by a one-bit-per-slot bitmap, backed by pmm frames
// mapped in on Init (spec §4.E). It is adapted from the teacher's
// kernel/allocator package (the bitmap-backed fixed-size-pool idea and
// its lock-per-allocator discipline), generalized here to carve its own
// backing VA range via kernel/mem/vmm rather than assuming a
// statically-linked BSS pool.
package slab

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"riscvkernel/kernel/mem/vmm"
	"riscvkernel/kernel/sync"
	"unsafe"
)

// PoolGap is the unmapped VA distance callers should leave between two
// pools' base addresses, so an overrun in one pool's bitmap accounting
// cannot silently corrupt the next pool's slots (spec §4.E's "defense in
// depth" gap).
const PoolGap = uintptr(16 * mem.Mb)

// pointerAlign is the minimum object alignment this allocator guarantees.
const pointerAlign = unsafe.Sizeof(uintptr(0))

var (
	errTooManyObjects = &kernel.Error{Module: "slab", Message: "Init: pool would exceed one bitmap page"}
	errOutOfObjects   = &kernel.Error{Module: "slab", Message: "pool exhausted"}
	errBadFree        = &kernel.Error{Module: "slab", Message: "free of a pointer outside this pool"}
	errDoubleFree     = &kernel.Error{Module: "slab", Message: "double free of a slab object"}

	// panicFn is mocked by tests; see kernel/mem/pmm.panicFn for rationale.
	panicFn = kernel.Panic
)

// Allocator is a fixed-size object pool backed by a bitmap, one per
// distinct object type/purpose (spec §4.E).
type Allocator struct {
	lock sync.Spinlock

	name     string
	objSize  uintptr // aligned
	maxCount int
	inUse    int

	poolBaseKVA uintptr
	bitmapKVA   uintptr
}

// Init carves ceil(maxCount*alignedSize / PageSize) pages of kernel VA
// starting at base, maps each to a freshly allocated frame, and installs
// one further page to hold the slot bitmap. maxCount must fit within a
// single 4 KiB bitmap page (32768 slots), matching the teacher's
// single-page-bitmap allocators.
func (a *Allocator) Init(root pmm.Frame, base uintptr, name string, objSize uintptr, maxCount int, alloc vmm.FrameAllocFn) *kernel.Error {
	if maxCount > int(mem.PageSize)*8 {
		return errTooManyObjects
	}

	aligned := (objSize + pointerAlign - 1) &^ (pointerAlign - 1)
	poolBytes := aligned * uintptr(maxCount)
	poolPages := (poolBytes + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize)

	for i := uintptr(0); i < poolPages; i++ {
		frame, err := alloc()
		if err != nil {
			return err
		}
		va := base + i*uintptr(mem.PageSize)
		vmm.Kvmmap(root, va, frame.Address(), uintptr(mem.PageSize), vmm.FlagRead|vmm.FlagWrite, alloc)
	}

	bitmapVA := base + poolPages*uintptr(mem.PageSize)
	bitmapFrame, err := alloc()
	if err != nil {
		return err
	}
	vmm.Kvmmap(root, bitmapVA, bitmapFrame.Address(), uintptr(mem.PageSize), vmm.FlagRead|vmm.FlagWrite, alloc)

	a.name = name
	a.objSize = aligned
	a.maxCount = maxCount
	a.poolBaseKVA = base
	a.bitmapKVA = bitmapVA

	bm := a.bitmap()
	for i := range bm {
		bm[i] = 0
	}
	return nil
}

func (a *Allocator) bitmap() []byte {
	return (*[int(mem.PageSize)]byte)(unsafe.Pointer(a.bitmapKVA))[:]
}

func (a *Allocator) bitSet(idx int) bool {
	return a.bitmap()[idx/8]&(1<<(uint(idx)%8)) != 0
}

func (a *Allocator) setBit(idx int, v bool) {
	bm := a.bitmap()
	if v {
		bm[idx/8] |= 1 << (uint(idx) % 8)
	} else {
		bm[idx/8] &^= 1 << (uint(idx) % 8)
	}
}

// Alloc returns a pointer to the first free slot and marks it used, or
// errOutOfObjects if the pool is full (spec §4.E).
func (a *Allocator) Alloc() (unsafe.Pointer, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	for idx := 0; idx < a.maxCount; idx++ {
		if !a.bitSet(idx) {
			a.setBit(idx, true)
			a.inUse++
			return unsafe.Pointer(a.poolBaseKVA + uintptr(idx)*a.objSize), nil
		}
	}
	return nil, errOutOfObjects
}

// Free releases a previously allocated slot. Freeing a pointer this pool
// did not hand out, or one already free, panics (spec §7-style
// programmer-bug handling, matching kernel/mem/pmm.FreeFrame).
func (a *Allocator) Free(p unsafe.Pointer) {
	addr := uintptr(p)
	poolEnd := a.poolBaseKVA + uintptr(a.maxCount)*a.objSize
	if addr < a.poolBaseKVA || addr >= poolEnd || (addr-a.poolBaseKVA)%a.objSize != 0 {
		panicFn(errBadFree)
	}

	a.lock.Acquire()
	defer a.lock.Release()

	idx := int((addr - a.poolBaseKVA) / a.objSize)
	if !a.bitSet(idx) {
		panicFn(errDoubleFree)
	}
	a.setBit(idx, false)
	a.inUse--
}

// Stats returns the number of objects currently allocated and the pool's
// fixed capacity, satisfying the in_use + free_count == max_count
// invariant (spec §4.E, §8).
func (a *Allocator) Stats() (inUse, maxCount int) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.inUse, a.maxCount
}

// Name returns the pool's diagnostic name.
func (a *Allocator) Name() string { return a.name }

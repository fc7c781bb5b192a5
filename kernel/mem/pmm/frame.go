// Package pmm implements the kernel's physical frame allocator: a single
// free list of 4 KiB frames covering one contiguous physical range,
// protected by one spinlock (spec §4.D). It is adapted from the teacher's
// kernel/mem/pmm.Frame type; the allocation policy itself (xv6-style
// linked free list built inside the freed frames, rather than the
// teacher's bootmem-then-bitmap scheme) is grounded on
// original_source/os/kalloc.c, which the spec §4.D directly describes.
package pmm

import (
	"math"
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/sync"
	"unsafe"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by allocators that fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether this is a valid frame.
func (f Frame) Valid() bool { return f != InvalidFrame }

// Address returns the physical address of this frame.
func (f Frame) Address() uintptr { return uintptr(f) << mem.PageShift }

// FrameFromAddress returns the Frame containing the given (possibly
// unaligned) physical address.
func FrameFromAddress(pa uintptr) Frame {
	return Frame(mem.PageRoundDown(pa) >> mem.PageShift)
}

// Poison bytes stamped over a frame's contents, grounded on
// original_source/os/kalloc.c's junk-fill-on-free idiom: a freshly
// allocated frame reads back as allocPoison until written, and a freed
// frame reads back as freePoison until reused, so stale reads of either state
// are easy to spot in a debugger (spec §4.D, §8).
const (
	allocPoison byte = 0xAA
	freePoison  byte = 0x55
)

type freeFrame struct {
	next *freeFrame
	pa   uintptr // physical address of this node itself, since the node's own VA depends on dmapFn and need not be invertible
}

// maxTrackedFrames bounds the double-free bitmap below to a fixed,
// statically-allocated footprint (no heap allocation, since this
// allocator must work before any Go allocation is safe). At 4 KiB pages
// this covers 2 GiB of tracked physical range per Allocator, comfortably
// above the 128 MiB QEMU virt default (spec §6).
const maxTrackedFrames = 1 << 19

// Allocator is a free-list allocator over a page-aligned physical range.
// All operations hold a single spinlock with interrupts disabled, per
// spec §4.D/§5.
type Allocator struct {
	lock      sync.Spinlock
	freeList  *freeFrame
	base, end uintptr // physical range this allocator owns, [base, end)
	numFree   int
	numTotal  int

	// freeBit tracks, per frame index relative to base, whether the frame
	// is currently on the free list. It exists solely to turn a
	// double-free into the panic spec §8 requires, since a naive
	// linked-list push can't otherwise distinguish a double-free from a
	// legitimate free.
	freeBit [maxTrackedFrames / 8]byte
}

var errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical frames"}
var errBadFree = &kernel.Error{Module: "pmm", Message: "free of an unowned or misaligned frame"}
var errDoubleFree = &kernel.Error{Module: "pmm", Message: "double free of a physical frame"}

// panicFn is mocked by tests: kernel.Panic halts the hart forever and is
// not recoverable, so tests that need to observe a panic-worthy condition
// substitute Go's builtin panic, matching the teacher's pattern of
// overriding arch/boundary calls (e.g. cpuHaltFn) for testability.
var panicFn = kernel.Panic

// dmapFn resolves a physical address to a VA this code can actually
// dereference. Defaults to the real direct map, live by the time
// kernel/kmain calls Init (kernel/boot's temporary table seeds it ahead
// of time for exactly this reason). Tests substitute the identity
// function, since a test binary's "physical" addresses are just regular
// host memory with no direct map behind them.
var dmapFn = mem.KVA

// Init populates the free list with every page in [base, end), which must
// both be page-aligned. Pages are pushed in descending address order, per
// spec §4.D, so the first allocation returns the lowest address.
//
// base and end are physical addresses; Init reaches them through
// dmapFn, so the direct map must already cover [base, end) before Init
// runs. kernel/boot's temporary page table seeds the full direct map for
// exactly this reason, ahead of the final kernel table kernel/kmain
// builds using this allocator's own frames.
func (a *Allocator) Init(base, end uintptr) *kernel.Error {
	if base%uintptr(mem.PageSize) != 0 || end%uintptr(mem.PageSize) != 0 || end <= base {
		return &kernel.Error{Module: "pmm", Message: "Init: base/end not page-aligned"}
	}
	a.base, a.end = base, end
	a.numTotal = int((end - base) / uintptr(mem.PageSize))
	if a.numTotal > maxTrackedFrames {
		return &kernel.Error{Module: "pmm", Message: "Init: range exceeds maxTrackedFrames"}
	}

	for pa := end - uintptr(mem.PageSize); ; pa -= uintptr(mem.PageSize) {
		a.freeOne(pa)
		if pa == base {
			break
		}
	}
	return nil
}

// AllocFrame removes and returns the frame at the head of the free list,
// after stamping its contents with allocPoison so that use of a page
// before it is written is observable (spec §4.D, §8). Returns
// (InvalidFrame, errOutOfMemory) when the free list is empty.
func (a *Allocator) AllocFrame() (Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	f := a.freeList
	if f == nil {
		return InvalidFrame, errOutOfMemory
	}
	a.freeList = f.next
	a.numFree--

	pa := f.pa
	a.setBit((pa-a.base)/uintptr(mem.PageSize), false)
	memset(dmapFn(pa), allocPoison, uintptr(mem.PageSize))

	return FrameFromAddress(pa), nil
}

// FreeFrame returns a previously allocated frame to the free list after
// verifying it is page-aligned and within this allocator's range, then
// overwrites its contents with freePoison to catch use-after-free (spec
// §4.D, §8). Freeing a frame outside [base, end) panics, matching the
// teacher's treatment of programmer-bug invariant violations (spec §7).
func (a *Allocator) FreeFrame(f Frame) {
	pa := f.Address()
	if pa < a.base || pa >= a.end || pa%uintptr(mem.PageSize) != 0 {
		panicFn(errBadFree)
	}

	a.lock.Acquire()
	defer a.lock.Release()

	idx := (pa - a.base) / uintptr(mem.PageSize)
	if a.bitSet(idx) {
		panicFn(errDoubleFree)
	}
	a.freeOne(pa)
}

// freeOne stamps pa with freePoison and pushes it onto the free list. The
// caller must already hold a.lock. It does not itself check for
// double-free so that Init can reuse it for the initial population.
//
// pa is a physical address, not something this code can dereference
// directly: Init runs with only the direct map live (no identity map
// over physical RAM), so every access to the frame's contents goes
// through dmapFn(pa), the same translation kernel/mem/vmm's own page
// table walks use once the kernel table is active.
func (a *Allocator) freeOne(pa uintptr) {
	va := dmapFn(pa)
	memset(va, freePoison, uintptr(mem.PageSize))
	node := (*freeFrame)(unsafe.Pointer(va))
	node.next = a.freeList
	node.pa = pa
	a.freeList = node
	a.numFree++
	a.setBit((pa-a.base)/uintptr(mem.PageSize), true)
}

func (a *Allocator) bitSet(idx uintptr) bool {
	return a.freeBit[idx/8]&(1<<(idx%8)) != 0
}

func (a *Allocator) setBit(idx uintptr, v bool) {
	if v {
		a.freeBit[idx/8] |= 1 << (idx % 8)
	} else {
		a.freeBit[idx/8] &^= 1 << (idx % 8)
	}
}

// Stats returns the number of currently free frames and the total number
// of frames this allocator was initialized with -- used by the "in_use +
// free_count == max_count" invariant in spec §8 (here "in_use" is simply
// numTotal - numFree, since this allocator tracks no separate counter).
func (a *Allocator) Stats() (numFree, numTotal int) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.numFree, a.numTotal
}

// memset is a tiny local helper so this package does not need to import
// the higher-level kernel.Memset (which assumes a live GC-backed slice
// header, unnecessary for a fixed page-sized fill).
func memset(addr uintptr, value byte, size uintptr) {
	b := (*[1 << 30]byte)(unsafe.Pointer(addr))[:size:size]
	for i := range b {
		b[i] = value
	}
}

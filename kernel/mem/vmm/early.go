package vmm

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"riscvkernel/kernel/sync"
	"unsafe"
)

var (
	goHeapRoot  pmm.Frame
	goHeapAlloc FrameAllocFn
	goHeapLock  sync.Spinlock
	goHeapNext  = mem.GOHEAP_BASE
)

// SetGoHeapSource wires the root kernel page table and frame allocator
// EarlyReserveRegion maps into. kernel/kmain calls this once, before
// goruntime.Init runs, since the Go allocator's very first call arrives
// through this path.
func SetGoHeapSource(root pmm.Frame, alloc FrameAllocFn) {
	goHeapRoot, goHeapAlloc = root, alloc
}

var errGoHeapExhausted = &kernel.Error{Module: "vmm", Message: "EarlyReserveRegion: Go heap VA range exhausted"}

// EarlyReserveRegion hands the Go runtime allocator (kernel/goruntime)
// size bytes of fresh VA space bump-allocated out of GOHEAP_BASE. Unlike
// a hosted OS's mmap(MAP_NORESERVE), there is no demand paging here --
// every returned page is mapped and zeroed immediately, since this
// kernel's page-fault path (kernel/trap) only ever services user
// addresses, never kernel ones.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	goHeapLock.Acquire()
	defer goHeapLock.Release()

	if goHeapNext+uintptr(size) > mem.GOHEAP_BASE+uintptr(mem.GOHEAP_REGION_SIZE) {
		return 0, errGoHeapExhausted
	}

	va := goHeapNext
	for off := mem.Size(0); off < size; off += mem.PageSize {
		frame, err := goHeapAlloc()
		if err != nil {
			return 0, err
		}
		zeroFrame(frame)
		Kvmmap(goHeapRoot, va+uintptr(off), frame.Address(), uintptr(mem.PageSize), FlagRead|FlagWrite, goHeapAlloc)
	}
	goHeapNext += uintptr(size)
	return va, nil
}

// zeroFrame clears a frame's poison bytes before handing it to the Go
// allocator, which assumes freshly reserved memory reads back as zero.
func zeroFrame(f pmm.Frame) {
	b := (*[1 << 30]byte)(unsafe.Pointer(KVAFn(f.Address())))[:mem.PageSize:mem.PageSize]
	for i := range b {
		b[i] = 0
	}
}

// Package goruntime bootstraps the Go runtime features this kernel
// depends on above the bare allocator -- map/slice growth, interfaces,
// and the handful of map-keyed lookups in kernel/loader and kernel/proc.
// A freestanding kernel image cannot rely on the hosted runtime's own
// mmap-backed sysAlloc, so this package replaces it with one built on
// kernel/mem/vmm's direct-mapped physical frames.
package goruntime

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/vmm"
	"unsafe"
)

var (
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	mallocInitFn         = mallocInit
	algInitFn            = algInit
	modulesInitFn        = modulesInit
	typeLinksInitFn      = typeLinksInit
	itabsInitFn          = itabsInit

	// prngSeed seeds getRandomData's pseudo-random stream; there is no
	// hardware RNG wired up, so this is explicitly not
	// cryptographically meaningful (spec §1's Non-goals carry no
	// cryptographic requirement).
	prngSeed = 0xdeadc0de
)

// sysReserve reserves address space for the Go allocator. Unlike the
// hosted runtime's mmap(PROT_NONE)-then-mprotect two-step, this kernel
// backs the reservation with real, zeroed frames up front: there is no
// kernel-side page fault handler to complete a deferred mapping later
// (kernel/trap's page fault path only ever resolves user addresses).
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := mem.PageRoundUp(size)
	va, err := earlyReserveRegionFn(mem.Size(regionSize))
	if err != nil {
		kernel.Panic(err)
	}

	*reserved = true
	return unsafe.Pointer(va)
}

// sysMap is a no-op beyond bookkeeping: sysReserve already installed a
// real mapping for every byte in [virtAddr, virtAddr+size), so there is
// nothing left to commit.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		kernel.Panic(&kernel.Error{Module: "goruntime", Message: "sysMap called with reserved=false"})
	}
	mSysStatInc(sysStat, uintptr(mem.PageRoundUp(size)))
	return virtAddr
}

// sysAlloc reserves and commits a fresh region in one step, since this
// kernel's sysReserve already does both.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := mem.PageRoundUp(size)
	va, err := earlyReserveRegionFn(mem.Size(regionSize))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}
	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(va)
}

// nanotime returns a monotonically increasing clock reading, backed by
// the real time CSR (spec §4.M) rather than the teacher's dummy counter.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	return cpu.ReadTime()
}

// getRandomData populates r with a simple linear-congruential stream.
// There is no hardware entropy source on QEMU virt's minimal device set
// (spec §6), so map iteration order is merely decorrelated from boot to
// boot, not secured against anything.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables the Go runtime features kernel code above this package
// depends on: map/slice allocation, interfaces, and type assertions.
// Must run once, immediately after kernel/mem/vmm.SetGoHeapSource, and
// before any other kernel package allocates a map or performs a type
// assertion (spec §4.H step 4).
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()
	modulesInitFn()
	typeLinksInitFn()
	itabsInitFn()
	return nil
}

// keepLinked holds references to the functions above so the compiler
// never treats them as dead code -- nothing in this package calls them;
// the patched runtime redirects to them via their go:redirect-from
// pragma. Unlike the teacher's init(), this does not invoke them with
// dummy arguments: sysReserve would dereference the Go-heap frame
// allocator before kernel/kmain has called vmm.SetGoHeapSource.
var keepLinked = []interface{}{sysReserve, sysMap, sysAlloc, nanotime, getRandomData}

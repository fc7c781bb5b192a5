package boot

import (
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/vmm"
	"testing"
)

// withIdentityKVA mirrors the override BootHart performs around
// buildTempTable: with no MMU active, every page-table frame address is
// already a raw physical address.
func withIdentityKVA(t *testing.T) {
	t.Helper()
	orig := vmm.KVAFn
	vmm.KVAFn = identity
	t.Cleanup(func() { vmm.KVAFn = orig })
}

func resetEarlyArena(t *testing.T) {
	t.Helper()
	earlyNext = 0
}

func TestBuildTempTableMapsIdentityAndHighHalf(t *testing.T) {
	withIdentityKVA(t)
	resetEarlyArena(t)

	root, err := earlyAlloc()
	if err != nil {
		t.Fatalf("earlyAlloc: %v", err)
	}
	vmm.ZeroTable(root)

	const imageStart = mem.KERNEL_PHYS_BASE
	imageEnd := imageStart + uintptr(4*mem.PageSize)
	delta := mem.KERNEL_VIRT_BASE - mem.KERNEL_PHYS_BASE

	buildTempTable(root, imageStart, imageEnd)

	idPTE, err := vmm.Lookup(root, imageStart)
	if err != nil || !idPTE.Valid() {
		t.Fatalf("identity mapping missing at %#x: err=%v", imageStart, err)
	}
	if !idPTE.HasFlags(vmm.FlagRead | vmm.FlagExec) {
		t.Fatalf("identity mapping missing R|X flags: %v", idPTE)
	}

	highPTE, err := vmm.Lookup(root, imageStart+delta)
	if err != nil || !highPTE.Valid() {
		t.Fatalf("high-half mapping missing at %#x: err=%v", imageStart+delta, err)
	}

	seedPTE, err := vmm.Lookup(root, mem.KVA(mem.KERNEL_PHYS_BASE))
	if err != nil || !seedPTE.Valid() {
		t.Fatalf("direct-map seed leaf missing: err=%v", err)
	}
	if !seedPTE.HasFlags(vmm.FlagRead | vmm.FlagWrite) {
		t.Fatalf("direct-map seed leaf missing R|W flags: %v", seedPTE)
	}

	lastOff := uintptr(mem.DirectMapSize) - uintptr(mem.HugePageSize)
	endPTE, err := vmm.Lookup(root, mem.KVA(mem.KERNEL_PHYS_BASE+lastOff))
	if err != nil || !endPTE.Valid() {
		t.Fatalf("direct map not seeded all the way to its end: err=%v", err)
	}
}

func TestEarlyAllocExhaustsArena(t *testing.T) {
	resetEarlyArena(t)

	for i := 0; i < earlyArenaPages; i++ {
		if _, err := earlyAlloc(); err != nil {
			t.Fatalf("earlyAlloc %d: unexpected error %v", i, err)
		}
	}
	if _, err := earlyAlloc(); err == nil {
		t.Fatal("expected earlyAlloc to fail once the arena is exhausted")
	}
}

func TestStackTopIsPageAligned(t *testing.T) {
	top := stackTop(initStack[:])
	if top%uintptr(mem.PageSize) != 0 {
		t.Fatalf("stackTop() = %#x, not page-aligned", top)
	}
}

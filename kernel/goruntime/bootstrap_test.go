package goruntime

import (
	"reflect"
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/vmm"
	"testing"
	"unsafe"
)

func TestSysReserve(t *testing.T) {
	defer func() { earlyReserveRegionFn = vmm.EarlyReserveRegion }()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize       uintptr
			expRegionSize mem.Size
		}{
			// exact multiple of page size
			{100 * uintptr(mem.PageSize), 100 * mem.PageSize},
			// size should be rounded up to nearest page size
			{2*uintptr(mem.PageSize) - 1, 2 * mem.PageSize},
		}

		for specIndex, spec := range specs {
			earlyReserveRegionFn = func(rsvSize mem.Size) (uintptr, *kernel.Error) {
				if rsvSize != spec.expRegionSize {
					t.Errorf("[spec %d] expected reservation size to be %d; got %d", specIndex, spec.expRegionSize, rsvSize)
				}
				return 0xbadf00d, nil
			}

			var reserved bool
			ptr := sysReserve(nil, spec.reqSize, &reserved)
			if uintptr(ptr) == 0 {
				t.Errorf("[spec %d] sysReserve returned 0", specIndex)
			}
			if !reserved {
				t.Errorf("[spec %d] expected reserved to be set to true", specIndex)
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysReserve to panic")
			}
		}()

		earlyReserveRegionFn = func(rsvSize mem.Size) (uintptr, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		var reserved bool
		sysReserve(nil, 0xf00, &reserved)
	})
}

func TestSysMap(t *testing.T) {
	t.Run("reserved", func(t *testing.T) {
		var sysStat uint64
		va := unsafe.Pointer(uintptr(0xbadf00d))
		if got := sysMap(va, 4*uintptr(mem.PageSize), true, &sysStat); got != va {
			t.Fatalf("expected sysMap to return its input address unchanged; got %#x", uintptr(got))
		}
		if exp := uint64(4 * mem.PageSize); sysStat != exp {
			t.Errorf("expected stat counter to be %d; got %d", exp, sysStat)
		}
	})

	t.Run("panic if not reserved", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysMap to panic when reserved=false")
			}
		}()

		var sysStat uint64
		sysMap(nil, 0, false, &sysStat)
	})
}

func TestSysAlloc(t *testing.T) {
	defer func() { earlyReserveRegionFn = vmm.EarlyReserveRegion }()

	t.Run("success", func(t *testing.T) {
		expRegionStartAddr := uintptr(10 * mem.PageSize)
		earlyReserveRegionFn = func(_ mem.Size) (uintptr, *kernel.Error) {
			return expRegionStartAddr, nil
		}

		var sysStat uint64
		got := sysAlloc(4*uintptr(mem.PageSize), &sysStat)
		if uintptr(got) != expRegionStartAddr {
			t.Errorf("expected sysAlloc to return address %#x; got %#x", expRegionStartAddr, uintptr(got))
		}
		if exp := uint64(4 * mem.PageSize); sysStat != exp {
			t.Errorf("expected stat counter to be %d; got %d", exp, sysStat)
		}
	})

	t.Run("earlyReserveRegion fails", func(t *testing.T) {
		earlyReserveRegionFn = func(_ mem.Size) (uintptr, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysAlloc to return 0x0 if EarlyReserveRegion returns an error; got %#x", uintptr(got))
		}
	})
}

func TestNanotime(t *testing.T) {
	t1 := nanotime()
	t2 := nanotime()
	if t2 < t1 {
		t.Fatalf("expected nanotime to be non-decreasing, got %d then %d", t1, t2)
	}
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	getRandomData(sample1)
	getRandomData(sample2)

	if reflect.DeepEqual(sample1, sample2) {
		t.Fatal("expected getRandomData to return different values for each invocation")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
	}()

	var calls []string
	mallocInitFn = func() { calls = append(calls, "malloc") }
	algInitFn = func() { calls = append(calls, "alg") }
	modulesInitFn = func() { calls = append(calls, "modules") }
	typeLinksInitFn = func() { calls = append(calls, "typelinks") }
	itabsInitFn = func() { calls = append(calls, "itabs") }

	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	want := []string{"malloc", "alg", "modules", "typelinks", "itabs"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("expected init call order %v; got %v", want, calls)
	}
}

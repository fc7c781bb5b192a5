package pmm

import (
	"riscvkernel/kernel/mem"
	"testing"
	"unsafe"
)

// withIdentityDmap overrides dmapFn for the duration of a test: a test
// binary's "physical" addresses are just ordinary host memory, with no
// real direct map standing behind them.
func withIdentityDmap(t *testing.T) {
	t.Helper()
	orig := dmapFn
	dmapFn = func(pa uintptr) uintptr { return pa }
	t.Cleanup(func() { dmapFn = orig })
}

func newTestRange(t *testing.T, numPages int) (uintptr, uintptr) {
	t.Helper()
	withIdentityDmap(t)
	buf := make([]byte, (numPages+1)*int(mem.PageSize))
	base := mem.PageRoundUp(uintptr(unsafe.Pointer(&buf[0])))
	end := base + uintptr(numPages)*uintptr(mem.PageSize)
	// keep buf alive for the duration of the test
	t.Cleanup(func() { _ = buf })
	return base, end
}

func TestAllocFreeInvariant(t *testing.T) {
	base, end := newTestRange(t, 8)

	var a Allocator
	if err := a.Init(base, end); err != nil {
		t.Fatalf("Init: %v", err)
	}

	numFree, numTotal := a.Stats()
	if numFree != 8 || numTotal != 8 {
		t.Fatalf("got free=%d total=%d, want free=8 total=8", numFree, numTotal)
	}

	var allocated []Frame
	for i := 0; i < 5; i++ {
		f, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame: %v", err)
		}
		allocated = append(allocated, f)

		numFree, numTotal = a.Stats()
		if numFree+len(allocated) != numTotal {
			t.Fatalf("invariant violated: free=%d inUse=%d total=%d", numFree, len(allocated), numTotal)
		}
	}

	for _, f := range allocated {
		a.FreeFrame(f)
	}
	numFree, numTotal = a.Stats()
	if numFree != numTotal {
		t.Fatalf("expected all frames free, got free=%d total=%d", numFree, numTotal)
	}
}

func TestFreedFrameIsPoisoned(t *testing.T) {
	base, end := newTestRange(t, 2)
	var a Allocator
	a.Init(base, end)

	f, _ := a.AllocFrame()
	b := (*[1]byte)(unsafe.Pointer(f.Address()))
	if b[0] != allocPoison {
		t.Fatalf("expected freshly allocated frame to read back as alloc poison, got %x", b[0])
	}

	a.FreeFrame(f)
	if b[0] != freePoison {
		t.Fatalf("expected freed frame to read back as free poison, got %x", b[0])
	}
}

func TestDoubleFreePanics(t *testing.T) {
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	panicFn = func(e interface{}) { panic(e) }

	base, end := newTestRange(t, 2)
	var a Allocator
	a.Init(base, end)

	f, _ := a.AllocFrame()
	a.FreeFrame(f)

	defer func() {
		if recover() == nil {
			t.Fatal("expected double free to panic")
		}
	}()
	a.FreeFrame(f)
}

func TestAllocFrameOutOfMemory(t *testing.T) {
	base, end := newTestRange(t, 1)
	var a Allocator
	a.Init(base, end)

	if _, err := a.AllocFrame(); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := a.AllocFrame(); err == nil {
		t.Fatal("expected out-of-memory error on second alloc")
	}
}

package slab

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"riscvkernel/kernel/mem/vmm"
	"testing"
	"unsafe"
)

var errFakeOOM = &kernel.Error{Module: "slabtest", Message: "fake frame pool exhausted"}

// fakeFrames hands out page-aligned host memory standing in for physical
// frames, and installs an identity vmm.KVAFn so Kvmmap's table walks read
// and write that same memory (there is no real direct map on the test
// host).
type fakeFrames struct {
	base uintptr
	next int
	max  int
}

func (f *fakeFrames) alloc() (pmm.Frame, *kernel.Error) {
	if f.next >= f.max {
		return pmm.InvalidFrame, errFakeOOM
	}
	pa := f.base + uintptr(f.next)*uintptr(mem.PageSize)
	f.next++
	return pmm.FrameFromAddress(pa), nil
}

func newFakeFrames(t *testing.T, numPages int) (*fakeFrames, uintptr) {
	t.Helper()
	orig := vmm.KVAFn
	vmm.KVAFn = func(pa uintptr) uintptr { return pa }
	t.Cleanup(func() { vmm.KVAFn = orig })

	buf := make([]byte, (numPages+1)*int(mem.PageSize))
	base := mem.PageRoundUp(uintptr(unsafe.Pointer(&buf[0])))
	return &fakeFrames{base: base, max: numPages}, base
}

func TestAllocFreeInvariant(t *testing.T) {
	frames, rootBase := newFakeFrames(t, 64)
	root, err := frames.alloc()
	if err != nil {
		t.Fatalf("root alloc: %v", err)
	}
	_ = rootBase

	var a Allocator
	// place the pool well clear of the root table frame
	poolVA := frames.base + uintptr(mem.PageSize)*8
	if ierr := a.Init(root, poolVA, "test-objs", 32, 10, frames.alloc); ierr != nil {
		t.Fatalf("Init: %v", ierr)
	}

	inUse, maxCount := a.Stats()
	if inUse != 0 || maxCount != 10 {
		t.Fatalf("got inUse=%d max=%d, want 0/10", inUse, maxCount)
	}

	var ptrs []unsafe.Pointer
	for i := 0; i < 10; i++ {
		p, aerr := a.Alloc()
		if aerr != nil {
			t.Fatalf("Alloc %d: %v", i, aerr)
		}
		ptrs = append(ptrs, p)
	}
	if _, aerr := a.Alloc(); aerr == nil {
		t.Fatal("expected pool exhaustion on the 11th alloc")
	}

	for _, p := range ptrs {
		a.Free(p)
	}
	inUse, maxCount = a.Stats()
	if inUse != 0 {
		t.Fatalf("expected inUse=0 after freeing everything, got %d", inUse)
	}
}

func TestDistinctSlotsDoNotOverlap(t *testing.T) {
	frames, _ := newFakeFrames(t, 64)
	root, _ := frames.alloc()

	var a Allocator
	poolVA := frames.base + uintptr(mem.PageSize)*8
	if err := a.Init(root, poolVA, "test-objs", 16, 4, frames.alloc); err != nil {
		t.Fatalf("Init: %v", err)
	}

	p1, _ := a.Alloc()
	p2, _ := a.Alloc()
	if p1 == p2 {
		t.Fatal("two allocations returned the same pointer")
	}
	if uintptr(p2)-uintptr(p1) < 16 {
		t.Fatalf("slots overlap: p1=%#x p2=%#x", p1, p2)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	panicFn = func(e interface{}) { panic(e) }

	frames, _ := newFakeFrames(t, 64)
	root, _ := frames.alloc()

	var a Allocator
	poolVA := frames.base + uintptr(mem.PageSize)*8
	a.Init(root, poolVA, "test-objs", 16, 4, frames.alloc)

	p, _ := a.Alloc()
	a.Free(p)

	defer func() {
		if recover() == nil {
			t.Fatal("expected double free to panic")
		}
	}()
	a.Free(p)
}

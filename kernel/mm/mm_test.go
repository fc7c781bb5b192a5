package mm

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"riscvkernel/kernel/mem/vmm"
	"testing"
	"unsafe"
)

var errFakeOOM = &kernel.Error{Module: "mmtest", Message: "fake frame pool exhausted"}

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

func newFakeFrames(t *testing.T, numPages int) *fakeFrames {
	t.Helper()
	orig := vmm.KVAFn
	vmm.KVAFn = func(pa uintptr) uintptr { return pa }
	t.Cleanup(func() { vmm.KVAFn = orig })

	buf := make([]byte, (numPages+1)*int(mem.PageSize))
	base := mem.PageRoundUp(uintptr(unsafe.Pointer(&buf[0])))
	return &fakeFrames{base: base, max: numPages}
}

func TestMapPagesAndLookup(t *testing.T) {
	frames := newFakeFrames(t, 64)
	m, err := Create(frames.alloc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	va := uintptr(0x1000)
	vma := VMA{Start: va, End: va + uintptr(mem.PageSize)*2, Flags: vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser}
	if err := m.MapPages(vma, frames.alloc); err != nil {
		t.Fatalf("MapPages: %v", err)
	}

	pte, err := vmm.Lookup(m.Root, va)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !pte.Valid() || !pte.HasFlags(vmm.FlagUser|vmm.FlagRead|vmm.FlagWrite) {
		t.Fatalf("unexpected pte %#x", uintptr(*pte))
	}
}

func TestMapPagesRejectsOverlap(t *testing.T) {
	frames := newFakeFrames(t, 64)
	m, _ := Create(frames.alloc)

	vma := VMA{Start: 0x1000, End: 0x3000, Flags: vmm.FlagRead | vmm.FlagUser}
	if err := m.MapPages(vma, frames.alloc); err != nil {
		t.Fatalf("first MapPages: %v", err)
	}
	overlap := VMA{Start: 0x2000, End: 0x4000, Flags: vmm.FlagRead | vmm.FlagUser}
	if err := m.MapPages(overlap, frames.alloc); err == nil {
		t.Fatal("expected an error mapping an overlapping VMA")
	}
}

func TestCopyIsolatesAddressSpaces(t *testing.T) {
	frames := newFakeFrames(t, 128)
	parent, _ := Create(frames.alloc)

	va := uintptr(0x5000)
	vma := VMA{Start: va, End: va + uintptr(mem.PageSize), Flags: vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser}
	if err := parent.MapPages(vma, frames.alloc); err != nil {
		t.Fatalf("MapPages: %v", err)
	}

	parentPTE, _ := vmm.Lookup(parent.Root, va)
	parentBytes := (*[1]byte)(unsafe.Pointer(parentPTE.Frame().Address()))
	parentBytes[0] = 0xAA

	child, _ := Create(frames.alloc)
	if err := Copy(child, parent, frames.alloc); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	childPTE, err := vmm.Lookup(child.Root, va)
	if err != nil {
		t.Fatalf("Lookup in child: %v", err)
	}
	if childPTE.Frame() == parentPTE.Frame() {
		t.Fatal("child shares the parent's physical frame; fork must not be COW")
	}
	childBytes := (*[1]byte)(unsafe.Pointer(childPTE.Frame().Address()))
	if childBytes[0] != 0xAA {
		t.Fatalf("child page contents = %#x, want 0xAA (copied from parent)", childBytes[0])
	}

	childBytes[0] = 0x55
	if parentBytes[0] != 0xAA {
		t.Fatalf("writing to child perturbed parent: parent now reads %#x", parentBytes[0])
	}
}

func TestCopyToFromUser(t *testing.T) {
	frames := newFakeFrames(t, 64)
	m, _ := Create(frames.alloc)

	va := uintptr(0x7000)
	vma := VMA{Start: va, End: va + uintptr(mem.PageSize), Flags: vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser}
	if err := m.MapPages(vma, frames.alloc); err != nil {
		t.Fatalf("MapPages: %v", err)
	}

	msg := []byte("hello, kernel")
	if err := m.CopyToUser(va+16, msg); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}

	back := make([]byte, len(msg))
	if err := m.CopyFromUser(back, va+16); err != nil {
		t.Fatalf("CopyFromUser: %v", err)
	}
	if string(back) != string(msg) {
		t.Fatalf("roundtrip = %q, want %q", back, msg)
	}
}

func TestCopyStrFromUserStopsAtNUL(t *testing.T) {
	frames := newFakeFrames(t, 64)
	m, _ := Create(frames.alloc)

	va := uintptr(0x9000)
	vma := VMA{Start: va, End: va + uintptr(mem.PageSize), Flags: vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser}
	m.MapPages(vma, frames.alloc)

	src := append([]byte("argv0"), 0, 'x', 'x')
	if err := m.CopyToUser(va, src); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}

	dst := make([]byte, 32)
	n := m.CopyStrFromUser(dst, va, len(dst))
	if n != 6 {
		t.Fatalf("CopyStrFromUser returned %d, want 6 (len(\"argv0\")+1)", n)
	}
	if string(dst[:n-1]) != "argv0" {
		t.Fatalf("copied string = %q", dst[:n-1])
	}
}

func TestCopyFromUserFailsOnUnmapped(t *testing.T) {
	frames := newFakeFrames(t, 64)
	m, _ := Create(frames.alloc)

	dst := make([]byte, 4)
	if err := m.CopyFromUser(dst, 0xdeadbeef); err == nil {
		t.Fatal("expected an error reading from an unmapped user address")
	}
}

// TestDestroyFreesVMAAndTableFramesButNotExternalLeaf exercises exit's
// teardown path: every VMA leaf, every intermediate table frame and the
// root itself must come back, while a leaf installed via MapPageAt (the
// trampoline/trapframe pattern) is left alone since kernel/proc, not this
// mm, owns that frame.
func TestDestroyFreesVMAAndTableFramesButNotExternalLeaf(t *testing.T) {
	frames := newFakeFrames(t, 64)
	m, err := Create(frames.alloc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	va := uintptr(0x1000)
	vma := VMA{Start: va, End: va + uintptr(mem.PageSize), Flags: vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser}
	if err := m.MapPages(vma, frames.alloc); err != nil {
		t.Fatalf("MapPages: %v", err)
	}

	externalFrame, err := frames.alloc()
	if err != nil {
		t.Fatalf("externalFrame alloc: %v", err)
	}
	if err := m.MapPageAt(mem.TRAMPOLINE, externalFrame, vmm.FlagRead|vmm.FlagExec, frames.alloc); err != nil {
		t.Fatalf("MapPageAt: %v", err)
	}

	vmaPTE, err := vmm.Lookup(m.Root, va)
	if err != nil {
		t.Fatalf("Lookup vma: %v", err)
	}
	vmaFrame := vmaPTE.Frame()
	root := m.Root

	freed := map[pmm.Frame]bool{}
	m.Destroy(func(f pmm.Frame) { freed[f] = true })

	if !freed[vmaFrame] {
		t.Fatalf("expected VMA leaf frame %v to be freed", vmaFrame)
	}
	if !freed[root] {
		t.Fatalf("expected root table frame %v to be freed", root)
	}
	if freed[externalFrame] {
		t.Fatalf("external leaf frame %v must not be freed by Destroy", externalFrame)
	}
}

func TestDestroyTwicePanics(t *testing.T) {
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	panicFn = func(e interface{}) { panic(e) }

	frames := newFakeFrames(t, 64)
	m, _ := Create(frames.alloc)
	m.Destroy(func(pmm.Frame) {})

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second Destroy to panic")
		}
	}()
	m.Destroy(func(pmm.Frame) {})
}

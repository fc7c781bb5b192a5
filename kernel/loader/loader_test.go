package loader

import (
	"bytes"
	"encoding/binary"
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"riscvkernel/kernel/mem/vmm"
	"riscvkernel/kernel/mm"
	"testing"
	"unsafe"
)

var errFakeOOM = &kernel.Error{Module: "loadertest", Message: "fake frame pool exhausted"}

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

// buildELF assembles a minimal ELF64 LSB riscv64 executable with a single
// PT_LOAD segment: filesz bytes of body at vaddr, padded out to memsz (the
// extra memsz-filesz span is this segment's bss).
func buildELF(entry, vaddr uint64, body []byte, memsz uint64) []byte {
	const ehsize = 64
	const phsize = 56

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))   // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(243)) // e_machine = EM_RISCV
	binary.Write(&buf, binary.LittleEndian, uint32(1))   // e_version
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	offset := uint64(ehsize + phsize)
	binary.Write(&buf, binary.LittleEndian, uint32(1))          // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(5))          // p_flags = R|X
	binary.Write(&buf, binary.LittleEndian, offset)             // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)               // p_vaddr
	binary.Write(&buf, binary.LittleEndian, vaddr)               // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(body)))  // p_filesz
	binary.Write(&buf, binary.LittleEndian, memsz)               // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(mem.PageSize)) // p_align

	buf.Write(body)
	return buf.Bytes()
}

func TestLoadMapsSegmentAndSetsUpStack(t *testing.T) {
	frames := newFakeFrames(t, 64)
	m, err := mm.Create(frames.alloc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const vaddr = 0x1000
	const entry = 0x1000
	body := []byte{1, 2, 3, 4}
	elfBytes := buildELF(entry, vaddr, body, uint64(mem.PageSize))
	Register("hello", elfBytes)
	t.Cleanup(func() { delete(images, "hello") })

	gotEntry, gotSP, lerr := Load(m, "hello", frames.alloc)
	if lerr != nil {
		t.Fatalf("Load: %v", lerr)
	}
	if gotEntry != entry {
		t.Fatalf("entry = %#x, want %#x", gotEntry, uintptr(entry))
	}
	if gotSP != mem.USTACK_START {
		t.Fatalf("sp = %#x, want %#x", gotSP, mem.USTACK_START)
	}

	var out [4]byte
	if cerr := m.CopyFromUser(out[:], vaddr); cerr != nil {
		t.Fatalf("CopyFromUser: %v", cerr)
	}
	if !bytes.Equal(out[:], body) {
		t.Fatalf("segment body = %v, want %v", out[:], body)
	}

	pte, werr := vmm.Lookup(m.Root, mem.USTACK_START-uintptr(mem.PageSize))
	if werr != nil || !pte.Valid() || !pte.HasFlags(vmm.FlagUser|vmm.FlagRead|vmm.FlagWrite) {
		t.Fatalf("user stack page not mapped: err=%v pte=%v", werr, pte)
	}
}

func TestLoadRejectsUnknownImage(t *testing.T) {
	frames := newFakeFrames(t, 16)
	m, _ := mm.Create(frames.alloc)

	if _, _, lerr := Load(m, "nonexistent", frames.alloc); lerr == nil {
		t.Fatal("expected an error loading an unregistered image")
	}
}

func TestLoadRejectsMalformedELF(t *testing.T) {
	frames := newFakeFrames(t, 16)
	m, _ := mm.Create(frames.alloc)

	Register("garbage", []byte{0, 1, 2, 3})
	t.Cleanup(func() { delete(images, "garbage") })

	if _, _, lerr := Load(m, "garbage", frames.alloc); lerr == nil {
		t.Fatal("expected an error loading a malformed ELF payload")
	}
}

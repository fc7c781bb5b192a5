// Package loader implements the ELF loader half of spec §4.N: given a
// named user image, map its PT_LOAD segments, reserve a brk VMA just
// past them, and set up the user stack. The ELF parser itself is an
// external collaborator (spec §1's Non-goals name it explicitly) --
// this package parses with the standard library's debug/elf, exactly as
// SPEC_FULL's DOMAIN STACK section directs, rather than a hand-rolled
// parser.
package loader

import (
	"bytes"
	"debug/elf"
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/vmm"
	"riscvkernel/kernel/mm"
)

var (
	errUnknownImage  = &kernel.Error{Module: "loader", Message: "no such user image"}
	errBadELF        = &kernel.Error{Module: "loader", Message: "malformed ELF payload"}
	errNotExecutable = &kernel.Error{Module: "loader", Message: "ELF is not a riscv64 executable"}
)

// images is populated at init time by cmd/mkuimg's generated source (one
// Register call per embedded user program); kernel/loader never reads
// from a filesystem.
var images = map[string][]byte{}

// Register adds a named ELF image to the loader's registry. Called from
// generated init() functions, never directly by kernel code.
func Register(name string, elfBytes []byte) {
	images[name] = elfBytes
}

// Load implements proc.LoaderFn: parse the named image, install its
// loadable segments, a brk VMA, and a user stack VMA into m, and return
// the entry point and initial stack pointer (spec §4.N).
func Load(m *mm.MM, name string, alloc vmm.FrameAllocFn) (entry, sp uintptr, kerr *kernel.Error) {
	raw, ok := images[name]
	if !ok {
		return 0, 0, errUnknownImage
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, errBadELF
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return 0, 0, errNotExecutable
	}

	var brk uintptr
	for _, seg := range f.Progs {
		if seg.Type != elf.PT_LOAD {
			continue
		}
		end, kerr := loadSegment(m, f, seg, alloc)
		if kerr != nil {
			return 0, 0, kerr
		}
		if end > brk {
			brk = end
		}
	}

	brk = mem.PageRoundUp(brk)
	if err := m.MapPages(mm.VMA{Start: brk, End: brk + uintptr(mem.PageSize), Flags: vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser}, alloc); err != nil {
		return 0, 0, err
	}

	stackStart := mem.USTACK_START - mem.USTACK_SIZE
	if err := m.MapPages(mm.VMA{Start: stackStart, End: mem.USTACK_START, Flags: vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser}, alloc); err != nil {
		return 0, 0, err
	}

	return uintptr(f.Entry), mem.USTACK_START, nil
}

// loadSegment maps one PT_LOAD program header's page-rounded VA range
// and copies its file contents in, zero-filling the bss tail between
// Filesz and Memsz (freshly allocated frames carry pmm's alloc poison,
// not zeros -- spec §4.D, §8).
func loadSegment(m *mm.MM, f *elf.File, seg *elf.Prog, alloc vmm.FrameAllocFn) (segEnd uintptr, kerr *kernel.Error) {
	flags := vmm.FlagUser
	if seg.Flags&elf.PF_R != 0 {
		flags |= vmm.FlagRead
	}
	if seg.Flags&elf.PF_W != 0 {
		flags |= vmm.FlagWrite
	}
	if seg.Flags&elf.PF_X != 0 {
		flags |= vmm.FlagExec
	}

	start := mem.PageRoundDown(uintptr(seg.Vaddr))
	end := mem.PageRoundUp(uintptr(seg.Vaddr) + uintptr(seg.Memsz))
	if err := m.MapPages(mm.VMA{Start: start, End: end, Flags: flags}, alloc); err != nil {
		return 0, err
	}

	data := make([]byte, seg.Filesz)
	if _, err := seg.ReadAt(data, 0); err != nil {
		return 0, errBadELF
	}
	if err := m.CopyToUser(uintptr(seg.Vaddr), data); err != nil {
		return 0, err
	}

	if seg.Memsz > seg.Filesz {
		zeros := make([]byte, seg.Memsz-seg.Filesz)
		if err := m.CopyToUser(uintptr(seg.Vaddr)+uintptr(seg.Filesz), zeros); err != nil {
			return 0, err
		}
	}

	_ = f
	return end, nil
}

// Command mkuimg validates a compiled riscv64 ELF user binary and emits
// a Go source file that registers it into kernel/loader's image
// registry at init time, so that proc.Spawn can find it without this
// kernel ever touching a filesystem at runtime (SPEC_FULL.md's DOMAIN
// STACK section). Grounded on _examples/smoynes-elsie's cmd tooling,
// which similarly inspects and repackages build artifacts with
// debug/elf rather than a hand-rolled parser -- spec §1's Non-goals
// name the ELF format itself as an external collaborator.
package main

import (
	"bytes"
	"debug/elf"
	"flag"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
)

const tmpl = `// Code generated by mkuimg from %s; DO NOT EDIT.

package %s

import "riscvkernel/kernel/loader"

func init() {
	loader.Register(%q, []byte{
%s
	})
}
`

func main() {
	var (
		pkg  = flag.String("pkg", "main", "package name for the generated file")
		name = flag.String("name", "", "image name to register (defaults to the binary's base name)")
		out  = flag.String("out", "", "output .go file (defaults to <name>_image.go next to the binary)")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: mkuimg [-pkg pkg] [-name name] [-out file.go] <riscv64-elf-binary>")
		os.Exit(2)
	}
	binPath := flag.Arg(0)

	if err := run(binPath, *pkg, *name, *out); err != nil {
		fmt.Fprintf(os.Stderr, "mkuimg: %v\n", err)
		os.Exit(1)
	}
}

func run(binPath, pkg, name, out string) error {
	raw, err := os.ReadFile(binPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", binPath, err)
	}

	if err := validateELF(raw); err != nil {
		return fmt.Errorf("%s: %w", binPath, err)
	}

	if name == "" {
		name = filepath.Base(binPath)
	}
	if out == "" {
		out = name + "_image.go"
	}

	src := fmt.Sprintf(tmpl, binPath, pkg, name, byteLiteral(raw))
	formatted, err := format.Source([]byte(src))
	if err != nil {
		// A malformed template is a bug in this tool, not bad input; fall
		// back to the unformatted source so the failure is at least visible.
		formatted = []byte(src)
	}

	return os.WriteFile(out, formatted, 0o644)
}

// validateELF checks the handful of header fields proc.Spawn's loader
// assumes hold for every registered image: a riscv64 ET_EXEC binary
// with at least one PT_LOAD segment.
func validateELF(raw []byte) error {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("not a valid ELF file: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return fmt.Errorf("machine is %s, want EM_RISCV", f.Machine)
	}
	if f.Class != elf.ELFCLASS64 {
		return fmt.Errorf("class is %s, want ELFCLASS64", f.Class)
	}
	if f.Type != elf.ET_EXEC {
		return fmt.Errorf("type is %s, want ET_EXEC (no PIE/dynamic user binaries)", f.Type)
	}

	loadable := 0
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			loadable++
		}
	}
	if loadable == 0 {
		return fmt.Errorf("no PT_LOAD segments")
	}
	return nil
}

func byteLiteral(raw []byte) string {
	var sb []byte
	for i, b := range raw {
		if i%16 == 0 {
			sb = append(sb, '\t', '\t')
		}
		sb = append(sb, []byte(fmt.Sprintf("0x%02x, ", b))...)
		if i%16 == 15 {
			sb = append(sb, '\n')
		}
	}
	return string(sb)
}

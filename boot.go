package main

import "riscvkernel/kernel/kmain"

// imageStart, imageEnd and textEnd are populated by the linker script with
// the kernel image's load-address bounds and the end of its R+X .text
// region; entryPA is the physical address the boot hart's SBI HSM calls
// give every secondary hart, pointing back at this same rt0 stub with
// a1=hartID. None of the four are known until link time, so they live
// here as global variables rather than constants.
var (
	imageStart uintptr
	imageEnd   uintptr
	textEnd    uintptr
	entryPA    uintptr
	hartID     uintptr
)

// main is the only Go symbol visible from the rt0 assembly that runs
// before it: entry_riscv64.s parks every hart but the first at a wait
// loop, sets tp and sp for the boot hart, zeroes BSS, and jumps here.
// It makes a dummy call into kmain.Kmain, passing globals the assembly
// populated, so the Go compiler cannot prove the kernel's own code is
// unreachable and discard it.
//
// main is not expected to return. If it does, the rt0 code halts the hart.
func main() {
	kmain.Kmain(imageStart, imageEnd, textEnd, entryPA)
}

// secondaryMain is the Go entry point entry_riscv64.s jumps every
// non-boot hart to once the boot hart's SBI HSM call starts it at
// entryPA, with a1 already loaded into hartID.
func secondaryMain() {
	kmain.KmainSecondary(int(hartID))
}

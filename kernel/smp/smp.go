// Package smp holds the per-hart state and boot-sequencing primitives
// shared by every CPU: the cpu[NCPU] array indexed by tp, and the
// booted_count / halt_specific_init handshake the boot hart and secondary
// harts use to synchronize (spec §4.H). It is adapted from the teacher's
// kernel/hal per-CPU bootstrap bookkeeping, replaced with the xv6-style
// "one array indexed by tp" model original_source/os/cpu.c and kvm.c
// describe.
package smp

import (
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/sbi"
	"sync/atomic"
)

// Context is the callee-saved register set preserved across a swtch call:
// one per per-CPU scheduler loop and one per process (spec §4.I). Field
// order is part of the ABI contract with proc/swtch_riscv64.s -- do not
// reorder without updating the offsets there.
type Context struct {
	RA, SP                             uint64
	S0, S1, S2, S3, S4, S5, S6, S7      uint64
	S8, S9, S10, S11                   uint64
}

// CPU holds per-hart scheduler state. Proc is an opaque handle to the
// currently running *proc.Proc; it is stored as interface{} because
// kernel/proc depends on kernel/smp (for CPU and Context), not the other
// way around.
type CPU struct {
	ID    int
	Sched Context
	Proc  interface{}
}

var cpus [mem.NCPU]CPU

// Mycpu returns the calling hart's CPU struct. Valid only after tp has
// been set by the boot/secondary entry sequence (spec §4.H step 1).
func Mycpu() *CPU {
	return &cpus[cpu.TP()%uint64(len(cpus))]
}

// Getcpu returns the CPU struct for hart id, regardless of which hart is
// calling.
func Getcpu(id int) *CPU {
	return &cpus[id]
}

var bootedCount int32

// MarkBooted is called by a secondary hart once it has reached a point
// safe for the boot hart to start the next one (spec §4.H step 5).
func MarkBooted() {
	atomic.AddInt32(&bootedCount, 1)
}

// WaitBooted spins until bootedCount reaches n, used by the boot hart
// between starting each secondary.
func WaitBooted(n int32) {
	for atomic.LoadInt32(&bootedCount) < n {
		cpu.WFI()
	}
}

var haltSpecificInit int32

// SetHaltSpecificInit releases every secondary hart spinning in
// WaitHaltSpecificInit (spec §4.H step 5, release fence).
func SetHaltSpecificInit() {
	atomic.StoreInt32(&haltSpecificInit, 1)
}

// WaitHaltSpecificInit spins until the boot hart has finished platform
// init (spec §4.H step 6, acquire fence via atomic load).
func WaitHaltSpecificInit() {
	for atomic.LoadInt32(&haltSpecificInit) == 0 {
		cpu.WFI()
	}
}

// StartSecondary asks SBI HSM to start hart id at the given physical
// entry address, passing opaque through to the secondary's a1 (spec
// §4.H step 5, §6). Returns the SBI error code.
func StartSecondary(id int, entryPA, opaque uintptr) uintptr {
	return sbi.HartStart(uintptr(id), entryPA, opaque)
}

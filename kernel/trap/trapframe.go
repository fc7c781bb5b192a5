// Package trap implements the two kernel trap entry points: the user
// trap path (reached through the trampoline, which swaps to the kernel
// page table and stack) and the kernel trap vector (a pure-asm vector
// that never nests). It owns the TrapFrame layout the trampoline
// assembly writes into and reads out of (spec §4.J, §6). Adapted from
// the teacher's kernel/irq and kernel/gate packages (the
// interrupt/exception dispatch shape), replaced with the trampoline-based
// RISC-V user/kernel trap split original_source/os/trap.c and trampoline.S
// implement.
package trap

import "unsafe"

// TrapFrame holds every register a user trap must save, plus the kernel
// context needed to return to it (spec §6's byte-offset table). Field
// order and size are load-bearing: trampoline_riscv64.s addresses these
// fields by the exact offsets documented alongside each one, and must be
// updated in lockstep with this struct.
type TrapFrame struct {
	KernelSATP  uint64 // @0   satp of the kernel page table
	KernelSP    uint64 // @8   top of this process's kernel stack
	KernelTrap  uint64 // @16  address of usertrap
	Epc         uint64 // @24  saved sepc (user pc)
	KernelHartID uint64 // @32  hart id, restored into tp on trap entry

	RA, SP, GP, TP               uint64 // @40, @48, @56, @64
	T0, T1, T2                   uint64 // @72, @80, @88
	S0, S1                       uint64 // @96, @104
	A0, A1, A2, A3, A4, A5, A6, A7 uint64 // @112..@168
	S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64 // @176..@248
	T3, T4, T5, T6               uint64 // @256, @264, @272, @280
}

// TrapFrameSize is the byte size the assembly trampoline assumes for one
// TrapFrame; used to size-check against unsafe.Sizeof at init.
const TrapFrameSize = 288

func init() {
	if unsafe.Sizeof(TrapFrame{}) != TrapFrameSize {
		panic("trap: TrapFrame layout drifted from the assembly trampoline's assumed size")
	}
}

// Args returns the syscall argument registers a0..a5, per the ABI in
// spec §6 ("args in a0..a5, number in a7"); SyscallNo returns a7.
func (tf *TrapFrame) Args() (a0, a1, a2, a3, a4, a5 uint64) {
	return tf.A0, tf.A1, tf.A2, tf.A3, tf.A4, tf.A5
}

// SyscallNo returns a7, the syscall number register.
func (tf *TrapFrame) SyscallNo() uint64 { return tf.A7 }

// SetReturn writes the syscall return value into a0.
func (tf *TrapFrame) SetReturn(v int64) { tf.A0 = uint64(v) }

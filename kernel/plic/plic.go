// Package plic drives the platform-level interrupt controller: global
// priority setup, per-hart S-mode enable/threshold, and the
// claim/complete handshake external interrupts use (spec §4.K). The
// wire-level register layout is an external collaborator (spec §1's
// Non-goals) -- this package only programs the offsets spec §4.K/§2
// document for the QEMU virt PLIC.
package plic

import (
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/mem"
	"unsafe"
)

const (
	priorityBase = 0x000000
	pendingBase  = 0x001000

	enableBase     = 0x002080
	enableHartSize = 0x100

	thresholdBase = 0x201000
	claimBase     = 0x201004
	hartCtxSize   = 0x2000
)

func reg32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(mem.PLIC_VIRT + off))
}

func load32(off uintptr) uint32  { return *reg32(off) }
func store32(off uintptr, v uint32) { *reg32(off) = v }

// Init enables global priority for the console UART's IRQ (spec §4.K's
// plicinit). Called once, by the boot hart, before any hart enables
// interrupts.
func Init() {
	store32(priorityBase+uintptr(mem.UART0_IRQ)*4, 1)
}

// InitHart enables the console IRQ for the current hart's S-mode
// context, sets its priority threshold to 0 (accept everything with
// nonzero priority), and enables the supervisor-external-interrupt bit
// in sie (spec §4.K's plicinithart). Called once per hart.
func InitHart() {
	hart := cpu.TP()
	enableOff := uintptr(enableBase) + uintptr(hart)*enableHartSize
	store32(enableOff, load32(enableOff)|(1<<uint(mem.UART0_IRQ)))

	thresholdOff := uintptr(thresholdBase) + uintptr(hart)*hartCtxSize
	store32(thresholdOff, 0)

	cpu.WriteSIE(cpu.ReadSIE() | (1 << cpu.ScauseSupervisorExternal))
}

// Claim returns the highest-priority pending IRQ for the current hart,
// or 0 if none is pending (spec §4.K's plic_claim).
func Claim() int {
	hart := cpu.TP()
	off := uintptr(claimBase) + uintptr(hart)*hartCtxSize
	return int(load32(off))
}

// Complete signals that irq has been serviced (spec §4.K's
// plic_complete); writing to the same register Claim reads from.
func Complete(irq int) {
	hart := cpu.TP()
	off := uintptr(claimBase) + uintptr(hart)*hartCtxSize
	store32(off, uint32(irq))
}

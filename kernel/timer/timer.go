// Package timer programs the next timer interrupt via the legacy SBI
// set_timer call (spec §4.M). Every hart rearms its own timer from
// kernel/trap's timer case; this package only computes the deadline.
package timer

import (
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/sbi"
)

// TickInterval is the number of timebase ticks between preemption
// points, matching the interval xv6-riscv's kernel/start.c programs
// against QEMU virt's 10 MHz CLINT timebase (~100ms per tick).
const TickInterval = 1000000

// SetNext arms the timer TickInterval ticks from now (spec §4.M, wired
// to trap.SetNextTimerFn). Called once at boot per hart and again from
// every timer interrupt taken, in either trap path.
func SetNext() {
	sbi.SetTimer(cpu.ReadTime() + TickInterval)
}

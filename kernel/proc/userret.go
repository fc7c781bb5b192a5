package proc

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/smp"
)

// UserTrapReturnFn resumes a process in user mode via the trampoline's
// userret stub (spec §4.J). kernel/proc cannot call into kernel/trap
// directly without an import cycle (trap's TrapFrame is already imported
// the other way), so kernel/kmain wires this at boot the same way it
// wires trap.CurrentProcFn and friends.
var UserTrapReturnFn func(p *Proc)

// firstSchedUserretGo is proc_riscv64.s's Go-implemented half: release
// the process lock the scheduler is still holding across this first
// switch-in (mirroring what Scheduler's own post-swtch code does for
// every later switch), then fall into the user-trap return path. It
// never returns.
func firstSchedUserretGo() {
	c := smp.Mycpu()
	p, ok := c.Proc.(*Proc)
	if !ok || p == nil {
		panicFn(&kernel.Error{Module: "proc", Message: "firstSchedUserretGo: no current process on this CPU"})
	}
	p.lock.Release()

	if UserTrapReturnFn == nil {
		panicFn(&kernel.Error{Module: "proc", Message: "firstSchedUserretGo: UserTrapReturnFn not wired"})
	}
	UserTrapReturnFn(p)
	panicFn(&kernel.Error{Module: "proc", Message: "firstSchedUserretGo: UserTrapReturnFn returned"})
}

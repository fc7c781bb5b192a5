package proc

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/smp"
	"riscvkernel/kernel/sync"
)

// swtch saves the caller's callee-saved registers into from and restores
// them from to, switching stacks. It never returns directly; control
// resumes wherever to.RA points, mirroring xv6's swtch.S. Implemented in
// swtch_riscv64.s.
func swtch(from, to *smp.Context)

var runq struct {
	lock  sync.Spinlock
	ready []*Proc
}

// addTask enqueues a RUNNABLE process onto the global run queue (spec
// §4.I). A process is enqueued exactly when it becomes RUNNABLE.
func addTask(p *Proc) {
	runq.lock.Acquire()
	runq.ready = append(runq.ready, p)
	runq.lock.Release()
}

// fetchTask pops the next RUNNABLE process, or nil if the queue is empty.
func fetchTask() *Proc {
	runq.lock.Acquire()
	defer runq.lock.Release()
	if len(runq.ready) == 0 {
		return nil
	}
	p := runq.ready[0]
	runq.ready = runq.ready[1:]
	return p
}

func anyProcAlive() bool {
	for i := range procs {
		procs[i].lock.Acquire()
		alive := procs[i].state != StateUnused
		procs[i].lock.Release()
		if alive {
			return true
		}
	}
	return false
}

// Scheduler runs the per-CPU scheduler loop forever (spec §4.I). It must
// be entered with interrupts disabled on the per-CPU scheduler stack that
// kernel/kmain switches to via boot.JumpToSchedStack.
func Scheduler() {
	c := smp.Mycpu()
	for {
		p := fetchTask()
		if p == nil {
			if !anyProcAlive() {
				panicFn(&kernel.Error{Module: "proc", Message: "scheduler: run queue empty and no process remains"})
			}
			cpu.EnableInterrupts()
			cpu.WFI()
			cpu.DisableInterrupts()
			continue
		}

		p.lock.Acquire()
		if p.state != StateRunnable {
			panicFn(&kernel.Error{Module: "proc", Message: "scheduler: fetched a non-RUNNABLE process"})
		}
		p.state = StateRunning
		c.Proc = p

		swtch(&c.Sched, &p.ctx)

		// Back here: swtch's caller (sched, below) holds p.lock and IRQs
		// are off, per the invariant spec §4.I states for every swtch.
		c.Proc = nil
		if p.state == StateRunnable {
			addTask(p)
		}
		p.lock.Release()
	}
}

// sched yields the current hart from a process context back to the
// scheduler loop. The caller must hold p.lock, have interrupts off, and
// this CPU must be nested exactly once (sync.NestDepth()==1) -- the
// invariants spec §4.I requires on entry to the scheduler side of swtch.
func sched(p *Proc) {
	if cpu.InterruptsEnabled() {
		panicFn(&kernel.Error{Module: "proc", Message: "sched: interrupts enabled"})
	}
	if sync.NestDepth() != 1 {
		panicFn(&kernel.Error{Module: "proc", Message: "sched: called while holding more or fewer than one lock"})
	}
	if p.state == StateRunning {
		panicFn(&kernel.Error{Module: "proc", Message: "sched: called from a process still marked RUNNING"})
	}
	c := smp.Mycpu()
	swtch(&p.ctx, &c.Sched)
}

// Yield gives up the CPU for one scheduling round (spec §4.I).
func Yield(p *Proc) {
	p.lock.Acquire()
	p.state = StateRunnable
	sched(p)
	p.lock.Release()
}

// Sleep atomically releases lk and blocks the calling process on chan
// until a matching Wakeup, then reacquires lk before returning (spec
// §4.I's sleep). Channel identity is a numeric token, not a pointer
// dereference, matching spec §9's guidance against raw pointer webs.
func Sleep(p *Proc, chanKey uintptr, lk *sync.Spinlock) {
	p.lock.Acquire()
	if lk != &p.lock {
		lk.Release()
	}

	p.chanKey = chanKey
	p.state = StateSleeping
	sched(p)

	p.chanKey = 0
	p.lock.Release()
	if lk != &p.lock {
		lk.Acquire()
	}
}

// Wakeup moves every process SLEEPING on chanKey to RUNNABLE and enqueues
// it (spec §4.I). Holding each process's own lock while checking its
// state prevents the lost-wakeup race spec §8 calls out.
func Wakeup(chanKey uintptr) {
	for i := range procs {
		p := procs[i]
		p.lock.Acquire()
		if p.state == StateSleeping && p.chanKey == chanKey {
			p.state = StateRunnable
			p.lock.Release()
			addTask(p)
			continue
		}
		p.lock.Release()
	}
}

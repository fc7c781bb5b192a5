package proc

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem/vmm"
	"riscvkernel/kernel/mm"
	"riscvkernel/kernel/sync"
	"unsafe"
)

// waitLock serializes exit/reparent/wait against each other. Its
// position in the lock order (spec §4.I: wait_lock -> proc.lock ->
// mm.lock -> runqueue.lock) is why Exit and Fork always release a
// process's own lock before taking waitLock.
var waitLock sync.Spinlock

var (
	errNoLoader = &kernel.Error{Module: "proc", Message: "exec: no loader wired"}
	initProc    *Proc
)

// SetInitProc records the process exited children are reparented to
// (spec §4.I's exit: "reparent children to init").
func SetInitProc(p *Proc) { initProc = p }

func chanKeyOf(p *Proc) uintptr { return uintptr(unsafe.Pointer(p)) }

// Fork implements spec §4.I's fork: allocate a child, clone the parent's
// address space and trapframe, zero the child's return value, link it to
// its parent, and enqueue it runnable.
func Fork(parent *Proc) (*Proc, *kernel.Error) {
	child, err := allocproc()
	if err != nil {
		return nil, err
	}

	if cerr := mm.Copy(child.mm, parent.mm, frameAlloc); cerr != nil {
		freeproc(child)
		child.lock.Release()
		return nil, cerr
	}

	*child.tf = *parent.tf
	child.tf.A0 = 0 // fork returns 0 in the child
	child.lock.Release()

	waitLock.Acquire()
	child.parent = parent
	waitLock.Release()

	child.lock.Acquire()
	child.state = StateRunnable
	child.lock.Release()

	addTask(child)
	return child, nil
}

// LoaderFn loads the named user ELF image into a freshly reset address
// space, installing its PT_LOAD segments plus brk and user-stack VMAs,
// and returns the entry point and initial stack pointer (spec §4.I's
// exec, §4.N). Wired by kernel/kmain to kernel/loader's loader so that
// kernel/proc need not import it directly.
type LoaderFn func(m *mm.MM, name string, alloc vmm.FrameAllocFn) (entry, sp uintptr, err *kernel.Error)

// LoadFn is the process-image loader, set once at boot.
var LoadFn LoaderFn

// Exec implements spec §4.I's exec: free every page below the
// trampoline/trapframe in the calling process's address space, load the
// named image's segments, and set the trapframe up to start it.
func Exec(p *Proc, name string) *kernel.Error {
	if LoadFn == nil {
		return errNoLoader
	}

	p.mm.Reset(releaseFrame)

	entry, sp, lerr := LoadFn(p.mm, name, frameAlloc)
	if lerr != nil {
		return lerr
	}

	p.lock.Acquire()
	p.tf.Epc = uint64(entry)
	p.tf.SP = uint64(sp)
	p.state = StateRunnable
	p.lock.Release()

	addTask(p)
	return nil
}

// Spawn allocates the very first process in the system and loads name
// directly into it (spec §4.H step 5's "init process" -- the one-time
// counterpart to Fork+Exec every later process reaches through, since
// the first process has no parent to fork from).
func Spawn(name string) (*Proc, *kernel.Error) {
	p, err := allocproc()
	if err != nil {
		return nil, err
	}
	p.lock.Release()

	if eerr := Exec(p, name); eerr != nil {
		return nil, eerr
	}
	return p, nil
}

// reparentChildren hands every child of p to init. Caller must hold
// waitLock. Wakeup is deferred until every child's lock has been
// released -- Wakeup itself scans and locks every slot in procs,
// including this one, so calling it while still holding c.lock would
// self-deadlock on a non-reentrant spinlock.
func reparentChildren(p *Proc) {
	reparented := false
	for i := range procs {
		c := procs[i]
		if c == p {
			continue
		}
		c.lock.Acquire()
		if c.parent == p {
			c.parent = initProc
			reparented = true
		}
		c.lock.Release()
	}
	if reparented && initProc != nil {
		Wakeup(chanKeyOf(initProc))
	}
}

// Exit implements spec §4.I's exit: wake the parent, reparent surviving
// children to init, record the exit code, mark ZOMBIE, and hand the CPU
// back to the scheduler. It never returns -- the scheduler's loop
// releases p.lock once this process's context has been fully switched
// away from (spec §4.I's invariant on every swtch).
func Exit(p *Proc, exitCode int) {
	waitLock.Acquire()
	reparentChildren(p)
	if p.parent != nil {
		Wakeup(chanKeyOf(p.parent))
	}

	p.lock.Acquire()
	p.exitCode = exitCode
	p.state = StateZombie
	waitLock.Release()

	sched(p)
	panicFn(&kernel.Error{Module: "proc", Message: "Exit: sched() returned"})
}

// Wait implements spec §4.I's wait: block until a child matching pid (or
// any child, if pid == -1) becomes a ZOMBIE, reap it, and return its pid
// and exit code. Returns -1 if the caller has no children at all, or is
// itself killed (even with children still running). Children that do not
// match pid still count, so waiting on a pid that is not one of the
// caller's children keeps sleeping while the caller has any other child.
func Wait(p *Proc, pid int, code *int) int {
	waitLock.Acquire()
	for {
		haveChildren := false
		for i := range procs {
			c := procs[i]
			if c == p {
				continue
			}
			c.lock.Acquire()
			if c.parent == p {
				haveChildren = true
				if (pid == -1 || c.pid == pid) && c.state == StateZombie {
					childPID := c.pid
					if code != nil {
						*code = c.exitCode
					}
					freeproc(c)
					c.lock.Release()
					waitLock.Release()
					return childPID
				}
			}
			c.lock.Release()
		}

		if !haveChildren || p.Killed() {
			waitLock.Release()
			return -1
		}

		Sleep(p, chanKeyOf(p), &waitLock)
	}
}

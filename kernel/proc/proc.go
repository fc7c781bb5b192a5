// Package proc implements the process pool, scheduler, and the
// fork/exec/exit/wait lifecycle (spec §4.H-step-5's "proc table" and
// §4.I in full). It is adapted from the teacher's kernel/sched package
// (the run-queue and per-process lock discipline), replaced with the
// xv6-style never-freed NPROC pool and swtch-based cooperative scheduler
// original_source/os/proc.c describes, since the teacher targets a
// single-core round-robin model rather than SMP.
package proc

import (
	"reflect"
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/mem/pmm"
	"riscvkernel/kernel/mem/slab"
	"riscvkernel/kernel/mem/vmm"
	"riscvkernel/kernel/mm"
	"riscvkernel/kernel/smp"
	"riscvkernel/kernel/sync"
	"riscvkernel/kernel/trap"
	"sync/atomic"
	"unsafe"
)

// State is a process's position in its lifecycle (spec §3, §4.I).
type State int

const (
	StateUnused State = iota
	StateUsed
	StateSleeping
	StateRunnable
	StateRunning
	StateZombie
)

// Proc is one process control block. The pool below never frees these;
// a "freed" proc simply returns to StateUnused and is reused.
type Proc struct {
	lock sync.Spinlock

	state    State
	pid      int
	parent   *Proc
	killed   bool
	exitCode int
	chanKey  uintptr // opaque sleep-channel token, spec §9

	mm             *mm.MM
	kstackTop      uintptr
	trapframeFrame pmm.Frame
	tf             *trap.TrapFrame

	ctx smp.Context
}

var (
	errNoFreeProc = &kernel.Error{Module: "proc", Message: "allocproc: no UNUSED slot available"}

	panicFn = kernel.Panic
)

// procPool backs every Proc struct's storage (spec §4.E, §4.I): all
// NPROC slots are allocated from it once, in Init, and never freed --
// "freeing" a Proc means returning it to StateUnused, not giving its
// memory back to the pool.
var procPool slab.Allocator

var procs [mem.NPROC]*Proc
var nextPID int32

var (
	frameAlloc   vmm.FrameAllocFn
	kernelRoot   pmm.Frame
	trampolinePA uintptr
)

// firstSchedUserret is the landing pad a freshly allocated process's
// context points ra at: it releases p.lock (held across the swtch into
// it by the scheduler loop) and falls into usertrapret. Implemented in
// proc_riscv64.s; declared here with no body so reflect can recover its
// address for Context.RA (spec §4.I's allocproc).
func firstSchedUserret()

func firstSchedUserretAddr() uint64 {
	return uint64(reflect.ValueOf(firstSchedUserret).Pointer())
}

// Init carves the Proc pool out of procPool, then pre-assigns every slot
// its kernel stack -- mapped into the kernel page table at
// KERNEL_STACK_PROCS + 2*i*STACK_SIZE with a guard-sized gap -- and a
// trapframe frame, per spec §4.I's proc_init. The trapframe frame
// persists across a slot's many future lifetimes; only its mapping (into
// a fresh mm) is recreated by each allocproc. procPoolBase is the VA
// kernel/kmain reserves for the pool (KERNEL_PROC_POOL on target; a
// scratch region carved out of the test's fake frame buffer in unit
// tests, since there is no real MMU translating an arbitrary kernel VA
// on the host).
func Init(root pmm.Frame, alloc vmm.FrameAllocFn, trampPA uintptr, procPoolBase uintptr) *kernel.Error {
	kernelRoot, frameAlloc, trampolinePA = root, alloc, trampPA

	if err := procPool.Init(root, procPoolBase, "proc", unsafe.Sizeof(Proc{}), mem.NPROC, alloc); err != nil {
		return err
	}

	for i := range procs {
		obj, err := procPool.Alloc()
		if err != nil {
			return err
		}
		p := (*Proc)(obj)
		*p = Proc{}
		p.state = StateUnused
		procs[i] = p

		kstackBase := mem.KERNEL_STACK_PROCS + uintptr(i)*2*uintptr(mem.StackSize)
		for off := uintptr(0); off < uintptr(mem.StackSize); off += uintptr(mem.PageSize) {
			frame, err := alloc()
			if err != nil {
				return err
			}
			vmm.Kvmmap(root, kstackBase+off, frame.Address(), uintptr(mem.PageSize), vmm.FlagRead|vmm.FlagWrite, alloc)
		}
		p.kstackTop = kstackBase + uintptr(mem.StackSize)

		tfFrame, err := alloc()
		if err != nil {
			return err
		}
		p.trapframeFrame = tfFrame
	}
	return nil
}

// allocproc scans the pool, locks and claims the first UNUSED slot,
// builds its address space, and returns it still locked (spec §4.I).
func allocproc() (*Proc, *kernel.Error) {
	for i := range procs {
		p := procs[i]
		p.lock.Acquire()
		if p.state != StateUnused {
			p.lock.Release()
			continue
		}

		addrSpace, err := mm.Create(frameAlloc)
		if err != nil {
			p.lock.Release()
			return nil, err
		}
		if err := addrSpace.MapPageAt(mem.TRAMPOLINE, pmm.FrameFromAddress(trampolinePA), vmm.FlagRead|vmm.FlagExec, frameAlloc); err != nil {
			p.lock.Release()
			return nil, err
		}
		if err := addrSpace.MapPageAt(mem.TRAPFRAME, p.trapframeFrame, vmm.FlagRead|vmm.FlagWrite, frameAlloc); err != nil {
			p.lock.Release()
			return nil, err
		}

		p.mm = addrSpace
		p.tf = (*trap.TrapFrame)(unsafe.Pointer(vmm.KVAFn(p.trapframeFrame.Address())))
		*p.tf = trap.TrapFrame{}
		p.pid = int(atomic.AddInt32(&nextPID, 1))
		p.killed = false
		p.exitCode = 0
		p.parent = nil
		p.chanKey = 0
		p.ctx = smp.Context{RA: firstSchedUserretAddr(), SP: uint64(p.kstackTop)}
		p.state = StateUsed
		return p, nil
	}
	return nil, errNoFreeProc
}

// freeproc releases a ZOMBIE process's resources and returns its slot to
// StateUnused. The caller must hold p.lock.
func freeproc(p *Proc) {
	if p.mm != nil {
		p.mm.Destroy(releaseFrame)
		p.mm = nil
	}
	p.pid = 0
	p.parent = nil
	p.killed = false
	p.exitCode = 0
	p.state = StateUnused
}

// releaseFrame is wired to the physical allocator's FreeFrame by
// kernel/kmain at boot.
var releaseFrame mm.FreeFn = func(pmm.Frame) {}

// SetFrameReleaser wires the physical frame allocator used to reclaim a
// destroyed address space's pages.
func SetFrameReleaser(f mm.FreeFn) { releaseFrame = f }

// Trapframe implements trap.Process.
func (p *Proc) Trapframe() *trap.TrapFrame { return p.tf }

// Kill implements trap.Process: marks the process killed and records the
// exit code that will be observed once wait() reaps it (spec §7).
func (p *Proc) Kill(exitCode int) {
	p.lock.Acquire()
	p.killed = true
	p.exitCode = exitCode
	p.lock.Release()
	Exit(p, exitCode)
}

// Killed implements trap.Process.
func (p *Proc) Killed() bool {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.killed
}

// PID returns the process's id.
func (p *Proc) PID() int { return p.pid }

// Parent returns the process's parent, or nil for init (spec §4.O's
// getppid).
func (p *Proc) Parent() *Proc {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.parent
}

// AddressSpace returns the process's mm for page-fault recovery wiring
// (trap.AddressSpaceFn).
func (p *Proc) AddressSpace() *mm.MM { return p.mm }

// KernelStackTop returns the top of this slot's pre-mapped kernel stack,
// used by kernel/trampoline to fill in the trapframe's KernelSP field on
// every return to user mode.
func (p *Proc) KernelStackTop() uintptr { return p.kstackTop }

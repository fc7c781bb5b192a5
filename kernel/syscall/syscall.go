// Package syscall multiplexes a7-numbered user syscalls onto the
// process/VM/console primitives those calls front (spec §4.O, §6).
// There is no fd table beyond the built-in console (spec §1's
// Non-goals): write/read only recognize STDOUT/STDERR and STDIN.
package syscall

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/console"
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/proc"
	"riscvkernel/kernel/smp"
	"riscvkernel/kernel/trap"
)

// Syscall numbers (spec §4.O's recognized set; order and exact values are
// this repo's own convention -- the original source dispatches on
// equivalent names without publishing numeric assignments).
const (
	SysWrite = iota + 1
	SysRead
	SysExit
	SysSchedYield
	SysGettimeofday
	SysGetpid
	SysGetppid
	SysClone // fork
	SysExecve
	SysWait4
	SysSbrk
	SysSpawn
)

const (
	stdin  = 0
	stdout = 1
	stderr = 2

	maxPathLen = 64
)

// Dispatch implements spec §4.O's syscall(): read a7, run the
// corresponding handler, and write its result into a0 -- except execve,
// whose successful path has already rewritten the trapframe to start
// the new image and must not have a0 clobbered afterward. Wired to
// trap.SyscallFn.
func Dispatch(tf *trap.TrapFrame) {
	p := currentProc()
	a0, a1, a2, _, _, _ := tf.Args()

	switch tf.SyscallNo() {
	case SysWrite:
		tf.SetReturn(sysWrite(p, a0, a1, a2))
	case SysRead:
		tf.SetReturn(sysRead(p, a0, a1, a2))
	case SysExit:
		proc.Exit(p, int(int64(a0)))
		kernel.Panic(&kernel.Error{Module: "syscall", Message: "exit: Exit() returned"})
	case SysSchedYield:
		proc.Yield(p)
		tf.SetReturn(0)
	case SysGettimeofday:
		tf.SetReturn(int64(cpu.ReadTime()))
	case SysGetpid:
		tf.SetReturn(int64(p.PID()))
	case SysGetppid:
		tf.SetReturn(int64(getppid(p)))
	case SysClone:
		tf.SetReturn(sysFork(p))
	case SysExecve:
		if ret, ok := sysExecve(p, a0); !ok {
			tf.SetReturn(ret)
		}
	case SysWait4:
		tf.SetReturn(sysWait4(p, a0, a1))
	case SysSbrk, SysSpawn:
		tf.SetReturn(-1) // stubs, spec §4.O
	default:
		tf.SetReturn(-1)
	}
}

func currentProc() *proc.Proc {
	p, _ := smp.Mycpu().Proc.(*proc.Proc)
	return p
}

func sysWrite(p *proc.Proc, fd, ubuf, n uint64) int64 {
	if fd != stdout && fd != stderr {
		return -1
	}
	return int64(console.Write(p, uintptr(ubuf), int(n)))
}

func sysRead(p *proc.Proc, fd, ubuf, n uint64) int64 {
	if fd != stdin {
		return -1
	}
	return int64(console.Read(p, uintptr(ubuf), int(n)))
}

func getppid(p *proc.Proc) int {
	parent := p.Parent()
	if parent == nil {
		return -1
	}
	return parent.PID()
}

func sysFork(p *proc.Proc) int64 {
	child, err := proc.Fork(p)
	if err != nil {
		return -1
	}
	return int64(child.PID())
}

// sysExecve returns (returnValue, handledAlready). On success the
// trapframe has already been redirected to the new image's entry point
// by proc.Exec, so the caller must not overwrite a0.
func sysExecve(p *proc.Proc, nameVA uint64) (int64, bool) {
	name := make([]byte, maxPathLen)
	n := p.AddressSpace().CopyStrFromUser(name, uintptr(nameVA), maxPathLen)
	if n < 0 {
		return -1, false
	}
	if err := proc.Exec(p, string(name[:n-1])); err != nil {
		return -1, false
	}
	return 0, true
}

func sysWait4(p *proc.Proc, pidArg, statusVA uint64) int64 {
	var code int
	pid := proc.Wait(p, int(int64(pidArg)), &code)
	if pid >= 0 && statusVA != 0 {
		buf := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
		_ = p.AddressSpace().CopyToUser(uintptr(statusVA), buf)
	}
	return int64(pid)
}

package kernel

import (
	"riscvkernel/kernel/cpu"
	"riscvkernel/kernel/kfmt/early"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// panicked latches to true the moment Panic is entered. Once set,
	// console output must bypass any lock and route through the raw SBI
	// putchar path (see kernel/console), since the owner of a contended
	// lock may be the very code that panicked.
	panicked bool

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panicked reports whether the kernel has already entered Panic on some CPU.
func Panicked() bool { return panicked }

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return.
func Panic(e interface{}) {
	panicked = true

	var err *Error
	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	default:
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

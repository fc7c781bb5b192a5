// Package cpu exposes the small set of RISC-V privileged-mode primitives
// that cannot be expressed in portable Go: CSR access, TLB maintenance,
// interrupt masking and the WFI idle instruction. Every exported function
// below except MakeSATP (plain Go) has no Go body; its implementation lives in the matching .s file
// and must be read alongside it.
package cpu

// TP returns the value of the tp register, which this kernel uses to hold
// the current hart's cpuid. tp is established by the boot/secondary entry
// assembly before any Go code that might call MyCPU runs.
func TP() uint64

// SetTP sets the tp register to the given value.
func SetTP(id uint64)

// EnableInterrupts sets SSTATUS.SIE, allowing S-mode interrupts to be taken.
func EnableInterrupts()

// DisableInterrupts clears SSTATUS.SIE.
func DisableInterrupts()

// InterruptsEnabled reports whether SSTATUS.SIE is currently set.
func InterruptsEnabled() bool

// Halt parks the hart in an infinite low-power loop. Used only from Panic;
// never returns.
func Halt()

// WFI executes a single wait-for-interrupt instruction and returns once an
// interrupt (possibly masked) becomes pending.
func WFI()

// SfenceVMA flushes the entire TLB for the current address space. Sv39 has
// no ASID support required by this design, so every call is a global flush.
func SfenceVMA()

// ReadSATP returns the current value of the satp CSR.
func ReadSATP() uint64

// WriteSATP installs a new satp value and flushes the TLB.
func WriteSATP(satp uint64)

// ReadSSCRATCH returns the sscratch CSR, used to stash the per-hart cpu
// struct pointer during trap entry before any general register is clobbered.
func ReadSSCRATCH() uint64

// WriteSSCRATCH installs a new sscratch CSR value.
func WriteSSCRATCH(v uint64)

// ReadSTVAL returns the stval CSR (faulting address / trap-specific info).
func ReadSTVAL() uint64

// ReadSCAUSE returns the scause CSR.
func ReadSCAUSE() uint64

// ReadSEPC returns the sepc CSR.
func ReadSEPC() uint64

// WriteSEPC installs a new sepc CSR value.
func WriteSEPC(v uint64)

// ReadSSTATUS returns the sstatus CSR.
func ReadSSTATUS() uint64

// WriteSSTATUS installs a new sstatus CSR value.
func WriteSSTATUS(v uint64)

// WriteSTVEC installs the trap vector base address.
func WriteSTVEC(v uint64)

// ReadSIE returns the sie CSR.
func ReadSIE() uint64

// WriteSIE installs a new sie CSR value.
func WriteSIE(v uint64)

// ReadSIP returns the sip CSR.
func ReadSIP() uint64

// WriteSIP installs a new sip CSR value.
func WriteSIP(v uint64)

// ReadTime returns the time CSR (a free-running counter driven by the
// platform's timebase), used by kernel/timer to compute the next
// set_timer deadline.
func ReadTime() uint64

// MakeSATP builds a satp CSR value for Sv39 given the physical page number
// of the root page table.
func MakeSATP(rootPPN uint64) uint64 {
	const modeSv39 = uint64(8) << 60
	return modeSv39 | rootPPN
}

// SSTATUS bit positions used by the trap path (spec §4.J).
const (
	SSTATUS_SIE  = 1 << 1
	SSTATUS_SPIE = 1 << 5
	SSTATUS_SPP  = 1 << 8
)

// SIE/SIP bit positions for the two interrupt sources this kernel handles.
const (
	SIE_SSIE = 1 << 1 // software interrupt enable
	SIE_STIE = 1 << 5 // timer interrupt enable
	SIE_SEIE = 1 << 9 // external interrupt enable
)

// SCAUSE interrupt flag and the two interrupt/exception codes this kernel
// recognizes in the trap path.
const (
	ScauseInterruptBit       = uint64(1) << 63
	ScauseSupervisorTimer    = 5
	ScauseSupervisorExternal = 9

	ScauseInstructionPageFault = 12
	ScauseLoadPageFault        = 13
	ScauseStorePageFault       = 15
	ScauseIllegalInstruction   = 2
	ScauseInstructionMisaligned = 0
	ScauseLoadMisaligned        = 4
	ScauseStoreMisaligned       = 6
	ScauseEnvCallFromUMode      = 8
)

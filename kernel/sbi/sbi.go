// Package sbi wraps the legacy SBI (Supervisor Binary Interface) ecalls
// this kernel relies on: console output (used only by panic, per spec
// §7), timer programming, shutdown, and the HSM extension used to start
// secondary harts (spec §2 row B, §6).
//
// Each function below is a single `ecall` trap into firmware (OpenSBI);
// the portable Go signature here is backed by one assembly trampoline per
// call, since ecall argument/return registers (a0-a7) are not something
// the Go calling convention models directly.
package sbi

// Legacy SBI extension IDs (these predate the SBI EID/FID scheme and are
// dispatched directly by EID alone).
const (
	extSetTimer        = 0x00
	extConsolePutChar  = 0x01
	extConsoleGetChar  = 0x02
	extShutdown        = 0x08
)

// SBI HSM (Hart State Management) extension ID and function IDs.
const (
	extHSM        = 0x48534D
	fnHSMHartStart = 0
	fnHSMHartStop  = 1
	fnHSMHartStatus = 2
)

// HSM hart status codes returned by HartStatus.
const (
	HartStatusStarted     = 0
	HartStatusStopped     = 1
	HartStatusStartPending = 2
	HartStatusStopPending  = 3
)

// ecall issues a legacy-ABI SBI call with up to three arguments and returns
// the raw a0 result. Implemented in sbi_riscv64.s.
func ecall(eid, a0, a1, a2 uintptr) uintptr

// ecallExt issues an SBI call using the modern EID/FID calling convention
// (used only for HSM, which was never part of the legacy extension set)
// and returns (error, value) as SBI's a0/a1 pair.
func ecallExt(eid, fid, a0, a1, a2 uintptr) (uintptr, uintptr)

// ConsolePutChar writes a single byte to the legacy SBI debug console.
// Spec §7 reserves this path for panic output, since it needs no lock.
func ConsolePutChar(c byte) {
	ecall(extConsolePutChar, uintptr(c), 0, 0)
}

// ConsoleGetChar polls the legacy SBI debug console for one byte, or
// returns -1 if none is available. The real console input path is
// interrupt-driven (spec §4.L); this exists only as a fallback used before
// the UART and PLIC are initialized.
func ConsoleGetChar() int {
	return int(int64(ecall(extConsoleGetChar, 0, 0, 0)))
}

// SetTimer arms the timer to fire the next supervisor timer interrupt at
// the given mtime value (spec §4.M).
func SetTimer(stimeValue uint64) {
	ecall(extSetTimer, uintptr(stimeValue), 0, 0)
}

// Shutdown powers off the machine. Never returns.
func Shutdown() {
	ecall(extShutdown, 0, 0, 0)
	for {
	}
}

// HartStart asks firmware to bring up the given hart at startAddr (a
// physical address); the hart enters with a0 set to its hart id and a1
// set to opaque (spec §4.H, §6).
func HartStart(hartID, startAddr, opaque uintptr) (errCode uintptr) {
	errCode, _ = ecallExt(extHSM, fnHSMHartStart, hartID, startAddr, opaque)
	return errCode
}

// HartStatus returns the HSM status of the given hart.
func HartStatus(hartID uintptr) (status uintptr, errCode uintptr) {
	errCode, status = ecallExt(extHSM, fnHSMHartStatus, hartID, 0, 0)
	return
}

// Package console implements the 16550-style UART console: register
// initialization, interrupt-driven line discipline, and the
// user_console_read/user_console_write syscall boundary (spec §4.L, §6).
// The UART register protocol itself is an external collaborator (spec
// §1's Non-goals) -- this package only programs the offsets spec §6
// documents. Grounded on original_source/os/console.c, which this is a
// close Go transliteration of; adapted from the teacher's
// device/video/console package for the line-discipline shape, replaced
// wholesale with the xv6-style ring buffer original_source/os/console.c
// implements since the teacher targets a pixel framebuffer, not a serial
// line.
package console

import (
	"riscvkernel/kernel"
	"riscvkernel/kernel/mem"
	"riscvkernel/kernel/proc"
	"riscvkernel/kernel/sbi"
	"riscvkernel/kernel/sync"
	"unsafe"
)

const (
	regRHR = 0 // receive holding register / THR transmit holding register
	regIER = 1
	ierRXEnable = 1 << 0

	regFCR       = 2
	fcrFIFOEnable = 1 << 0
	fcrFIFOClear  = 3 << 1

	regLCR        = 3
	lcrEightBits  = 3 << 0
	lcrBaudLatch  = 1 << 7

	regLSR      = 5
	lsrRXReady  = 1 << 0
	lsrTXIdle   = 1 << 5
)

const (
	inputBufSize = 128
	ctrlD        = 'D' - '@'
	ctrlU        = 'U' - '@'
	ctrlH        = 'H' - '@'
	del          = 0x7f
)

func reg(off uintptr) *byte { return (*byte)(unsafe.Pointer(mem.UART0_VIRT + off)) }
func readReg(off uintptr) byte    { return *reg(off) }
func writeReg(off uintptr, v byte) { *reg(off) = v }

var uartTXLock sync.Spinlock
var uartInited bool

var cons struct {
	lock sync.Spinlock
	buf  [inputBufSize]byte
	r, w, e uint
}

// chanKey is the sleep-channel identity readers block on, spec §4.L's
// "sleep on &cons" -- a stable numeric token (spec §9), not a pointer
// dereference.
var chanKey = uintptr(unsafe.Pointer(&cons))

// Init programs the UART into 8N1 at 38.4K with FIFOs enabled and RX
// interrupts on (spec §6's exact init sequence).
func Init() {
	writeReg(regIER, 0x00)
	writeReg(regLCR, lcrBaudLatch)
	writeReg(0, 0x03) // divisor LSB
	writeReg(1, 0x00) // divisor MSB
	writeReg(regLCR, lcrEightBits)
	writeReg(regFCR, fcrFIFOEnable|fcrFIFOClear)
	writeReg(regIER, ierRXEnable)
	uartInited = true
}

// Putc writes one character to the console, falling back to the raw SBI
// putchar path before the UART is initialized or once the kernel has
// panicked (spec §4.L's consputc).
func Putc(c byte) {
	if !uartInited || kernel.Panicked() {
		sbi.ConsolePutChar(c)
		return
	}
	uartPutchar(c)
}

func uartPutchar(c byte) {
	uartTXLock.Acquire()
	defer uartTXLock.Release()
	for readReg(regLSR)&lsrTXIdle == 0 {
	}
	writeReg(regRHR, c)
}

// eraseChar overwrites the most recently echoed character on the
// terminal (backspace, space to blank it, backspace again), standing in
// for the original's out-of-band BACKSPACE sentinel to consputc -- Go's
// Putc takes a real byte, so the erase sequence is spelled out instead.
func eraseChar() {
	Putc('\b')
	Putc(' ')
	Putc('\b')
}

func uartGetc() (byte, bool) {
	if readReg(regLSR)&lsrRXReady == 0 {
		return 0, false
	}
	return readReg(regRHR), true
}

// Intr drains every byte currently waiting in the UART RX FIFO into the
// line discipline (spec §4.L's uart_intr). Called from trap.ConsoleIntrFn
// once the PLIC has delivered the console IRQ.
func Intr(irq int) {
	for {
		c, ok := uartGetc()
		if !ok {
			return
		}
		consintr(c)
	}
}

// consintr implements spec §4.L's line discipline: Ctrl-U kills the
// current line, backspace/DEL erases one character, Ctrl-D marks EOF,
// and anything else is echoed and stored. A completed line (newline,
// EOF, or a full buffer) publishes [r, e) to readers via w and wakes
// them.
func consintr(c byte) {
	cons.lock.Acquire()
	defer cons.lock.Release()

	switch c {
	case ctrlU:
		for cons.e != cons.w && cons.buf[(cons.e-1)%inputBufSize] != '\n' {
			cons.e--
			eraseChar()
		}
	case ctrlH, del:
		if cons.e != cons.w {
			cons.e--
			eraseChar()
		}
	default:
		if c == 0 || cons.e-cons.r >= inputBufSize {
			return
		}
		if c == '\r' {
			c = '\n'
		}
		Putc(c)
		cons.buf[cons.e%inputBufSize] = c
		cons.e++
		if c == '\n' || c == ctrlD || cons.e-cons.r == inputBufSize {
			cons.w = cons.e
			proc.Wakeup(chanKey)
		}
	}
}

// Read implements spec §4.L/§6's user_console_read: copy bytes out of
// the ring buffer into the calling process's user buffer at va,
// sleeping on the console while it is empty, and returning early on a
// completed line or EOF. Returns the number of bytes actually
// transferred.
func Read(p *proc.Proc, va uintptr, n int) int {
	target := n
	cons.lock.Acquire()
	defer cons.lock.Release()

	for n > 0 {
		for cons.r == cons.w {
			proc.Sleep(p, chanKey, &cons.lock)
		}

		c := cons.buf[cons.r%inputBufSize]
		cons.r++

		if c == ctrlD {
			if n < target {
				cons.r-- // save ^D for the next call
			}
			break
		}

		if err := p.AddressSpace().CopyToUser(va, []byte{c}); err != nil {
			break
		}
		va++
		n--

		if c == '\n' {
			break
		}
	}
	return target - n
}

// Write implements spec §4.L/§6's user_console_write: copy the user's
// buffer into kernel memory, then push it to the UART byte by byte.
func Write(p *proc.Proc, va uintptr, n int) int {
	if n <= 0 {
		return -1
	}
	buf := make([]byte, n)
	if err := p.AddressSpace().CopyFromUser(buf, va); err != nil {
		return -1
	}
	for _, c := range buf {
		uartPutchar(c)
	}
	return n
}

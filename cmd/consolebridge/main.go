// Command consolebridge connects a local terminal to a QEMU instance's
// UART, exposed as a TCP chardev socket (`-serial tcp:host:port,server`),
// putting the local terminal into raw mode for the duration so that
// keystrokes reach the guest's 16550 one byte at a time instead of being
// line-buffered by the host tty. Grounded on _examples/smoynes-elsie's
// cmd/internal/tty package, which pairs term.MakeRaw/term.Restore with a
// goroutine-per-direction copy loop for the same "be a dumb serial
// cable" role; this trades its in-process VM keyboard channel for a
// plain net.Conn, since this kernel runs out-of-process under QEMU
// rather than in a simulator sharing the same address space.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// setReadPerByte sets VMIN=1/VTIME=0 on top of term.MakeRaw's own
// settings, so a blocking read on stdin returns after exactly one byte
// instead of term's default buffering -- the guest's line discipline
// does its own echo and editing, this bridge should add none of its
// own. Grounded on _examples/smoynes-elsie's cmd/internal/tty, which
// sets the same two fields via the same ioctl pair for the same reason.
func setReadPerByte(fd int) error {
	termIO, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	termIO.Cc[unix.VMIN] = 1
	termIO.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, termIO)
}

func main() {
	addr := flag.String("addr", "127.0.0.1:5555", "QEMU serial chardev TCP address")
	flag.Parse()

	if err := run(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "consolebridge: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("entering raw mode: %w", err)
	}
	defer term.Restore(fd, saved)

	if err := setReadPerByte(fd); err != nil {
		return fmt.Errorf("configuring termios: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		term.Restore(fd, saved)
		conn.Close()
		os.Exit(0)
	}()

	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, os.Stdin)
		done <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		done <- err
	}()

	err = <-done
	if err == io.EOF {
		return nil
	}
	return err
}

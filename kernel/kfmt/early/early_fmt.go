// Package early provides a minimal Printf usable before the Go runtime's
// own allocator is initialized -- kernel.Panic and kernel/kmain's earliest
// boot trace both depend on it working with no heap, no maps, and no
// goroutines behind it. Grounded on the teacher's own
// kernel/kfmt/early/early_fmt.go, with hal.ActiveTerminal's byte sink
// replaced by putcFn, since this kernel's earliest output path is the SBI
// legacy console rather than a mapped framebuffer.
package early

import "riscvkernel/kernel/sbi"

// putcFn is the byte sink every verb writes through. Defaults to the raw
// SBI ecall, which works from the very first instruction after the boot
// pivot with no setup -- unlike kernel/console, which needs the UART
// programmed and the direct map live first. Tests override this to
// capture output without an SBI implementation to call into.
var putcFn = sbi.ConsolePutChar

func writeByte(c byte) { putcFn(c) }

func writeBytes(p []byte) {
	for _, c := range p {
		putcFn(c)
	}
}

func writeString(s string) {
	for i := 0; i < len(s); i++ {
		putcFn(s[i])
	}
}

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	padding         = byte(' ')
	trueValue       = []byte("true")
	falseValue      = []byte("false")
)

// Printf supports the following subset of formatting verbs, matching
// fmt.Printf's output for each but allocating nothing:
//
// Strings:
//	%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//
// Booleans:
//	%t "true" or "false"
//
// Width is an optional decimal number immediately preceding the verb.
// String and base-10 integer values are left-padded with spaces; base-16
// and base-8 integer values are left-padded with zeroes.
//
// Printf does not support %p: printing a pointer requires importing
// reflect, which drags in runtime.convT2E/runtime.newobject -- both
// unusable this early (spec §4.H step 4, before goruntime.Init runs).
func Printf(format string, args ...interface{}) {
	var (
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		if blockStart < blockEnd {
			writeString(format[blockStart:blockEnd])
		}

		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				writeByte('%')
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				if nextArgIndex >= len(args) {
					writeBytes(errMissingArg)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					fmtInt(args[nextArgIndex], 8, padLen)
				case 'd':
					fmtInt(args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(args[nextArgIndex], padLen)
				case 't':
					fmtBool(args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			}

			writeBytes(errNoVerb)
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	if blockStart != blockEnd {
		writeString(format[blockStart:blockEnd])
	}

	for ; nextArgIndex < len(args); nextArgIndex++ {
		writeBytes(errExtraArg)
	}
}

func fmtBool(v interface{}) {
	switch bVal := v.(type) {
	case bool:
		if bVal {
			writeBytes(trueValue)
		} else {
			writeBytes(falseValue)
		}
	default:
		writeBytes(errWrongArgType)
	}
}

func fmtString(v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(padding, padLen-len(castedVal))
		writeString(castedVal)
	case []byte:
		fmtRepeat(padding, padLen-len(castedVal))
		writeBytes(castedVal)
	default:
		writeBytes(errWrongArgType)
	}
}

func fmtRepeat(ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(ch)
	}
}

func fmtInt(v interface{}, base, padLen int) {
	var (
		sval             int64
		uval             uint64
		divider          uint64
		remainder        uint64
		buf              [20]byte
		padCh            byte
		left, right, end int
	)

	switch base {
	case 8:
		divider = 8
		padCh = '0'
	case 10:
		divider = 10
		padCh = ' '
	case 16:
		divider = 16
		padCh = '0'
	}

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uintptr:
		uval = uint64(val)
	case int8:
		sval = int64(val)
	case int16:
		sval = int64(val)
	case int32:
		sval = int64(val)
	case int64:
		sval = val
	case int:
		sval = int64(val)
	default:
		writeBytes(errWrongArgType)
		return
	}

	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for {
		remainder = uval % divider
		if remainder < 10 {
			buf[right] = byte(remainder) + '0'
		} else {
			buf[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	for ; right-left < padLen; right++ {
		buf[right] = padCh
	}

	if sval < 0 {
		for end = right - 1; buf[end] == ' '; end-- {
		}
		if end == right-1 {
			right++
		}
		buf[end+1] = '-'
	}

	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		buf[left], buf[right] = buf[right], buf[left]
	}

	writeBytes(buf[0:end])
}

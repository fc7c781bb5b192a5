package early

import "testing"

func TestPrintf(t *testing.T) {
	origPutc := putcFn
	defer func() { putcFn = origPutc }()

	var buf []byte
	putcFn = func(c byte) { buf = append(buf, c) }

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{
			func() { Printf("no args") },
			"no args",
		},
		{
			func() { Printf("%t", true) },
			"true",
		},
		{
			func() { Printf("%41t", false) },
			"false",
		},
		{
			func() { Printf("%s arg", "STRING") },
			"STRING arg",
		},
		{
			func() { Printf("%s arg", []byte("BYTE SLICE")) },
			"BYTE SLICE arg",
		},
		{
			func() { Printf("'%4s' arg with padding", "ABC") },
			"' ABC' arg with padding",
		},
		{
			func() { Printf("'%4s' arg longer than padding", "ABCDE") },
			"'ABCDE' arg longer than padding",
		},
		{
			func() { Printf("uint arg: %d", uint8(10)) },
			"uint arg: 10",
		},
		{
			func() { Printf("uint arg: %o", uint16(0777)) },
			"uint arg: 777",
		},
		{
			func() { Printf("uint arg: 0x%x", uint32(0xbadf00d)) },
			"uint arg: 0xbadf00d",
		},
		{
			func() { Printf("uint arg with padding: '%10d'", uint64(123)) },
			"uint arg with padding: '       123'",
		},
		{
			func() { Printf("uint arg with padding: '%4o'", uint64(0777)) },
			"uint arg with padding: '0777'",
		},
		{
			func() { Printf("uint arg with padding: '0x%10x'", uint64(0xbadf00d)) },
			"uint arg with padding: '0x000badf00d'",
		},
		{
			func() { Printf("uint arg longer than padding: '0x%5x'", int64(0xbadf00d)) },
			"uint arg longer than padding: '0xbadf00d'",
		},
		{
			func() { Printf("int arg: %d", int8(-10)) },
			"int arg: -10",
		},
		{
			func() { Printf("int arg: %o", int16(0777)) },
			"int arg: 777",
		},
		{
			func() { Printf("int arg: %x", int32(-0xbadf00d)) },
			"int arg: -badf00d",
		},
		{
			func() { Printf("int arg with padding: '%10d'", int64(-12345678)) },
			"int arg with padding: ' -12345678'",
		},
		{
			func() { Printf("int arg with padding: '%10d'", int64(-123456789)) },
			"int arg with padding: '-123456789'",
		},
		{
			func() { Printf("int arg with padding: '%10d'", int64(-1234567890)) },
			"int arg with padding: '-1234567890'",
		},
		{
			func() { Printf("int arg longer than padding: '%5x'", int(-0xbadf00d)) },
			"int arg longer than padding: '-badf00d'",
		},
		{
			func() { Printf("%%%s%d%t", "foo", 123, true) },
			`%foo123true`,
		},
		{
			func() { Printf("more args", "foo", "bar", "baz") },
			`more args%!(EXTRA)%!(EXTRA)%!(EXTRA)`,
		},
		{
			func() { Printf("missing args %s") },
			`missing args (MISSING)`,
		},
		{
			func() { Printf("bad verb %Q") },
			`bad verb %!(NOVERB)`,
		},
		{
			func() { Printf("not bool %t", "foo") },
			`not bool %!(WRONGTYPE)`,
		},
		{
			func() { Printf("not int %d", "foo") },
			`not int %!(WRONGTYPE)`,
		},
		{
			func() { Printf("not string %s", 123) },
			`not string %!(WRONGTYPE)`,
		},
	}

	for specIndex, spec := range specs {
		buf = buf[:0]
		spec.fn()
		if got := string(buf); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

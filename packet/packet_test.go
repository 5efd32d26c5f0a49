// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"testing"

	"github.com/creachadair/tilerpc/packet"
	"github.com/google/go-cmp/cmp"
)

func TestBuilder(t *testing.T) {
	var b packet.Builder
	b.Bool(true)
	b.Put(5, 9)
	b.Uint8(100)
	b.Uint16(5000)
	b.Uint32(0xfc009a01)
	b.Int32(-2)
	b.Uint64(1 << 40)
	b.Buffer([]byte("pear"))
	b.PutString("xyzzy")

	const want = "\x01\x05\x09\x64\x13\x88\xfc\x00\x9a\x01\xff\xff\xff\xfe\x00\x00\x01\x00\x00\x00\x00\x00\x00\x00\x00\x04pearxyzzy"
	//             ^   ^---^-- ^-- ^------ ^-------------- ^-------------- ^------------------------------ ^-------------- ^----
	//          bool  byte*2  u8  uint16   uint32          int32           uint64                          buffer          literal

	if n := b.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := packet.NewScanner(b.Bytes())
	check(t, "Bool", s.Bool, true)
	check(t, "Byte 1", s.Uint8, 5)
	check(t, "Byte 2", s.Uint8, 9)
	check(t, "Uint8", s.Uint8, 100)
	check(t, "Uint16", s.Uint16, 5000)
	check(t, "Uint32", s.Uint32, 0xfc009a01)
	check(t, "Int32", s.Int32, -2)
	check(t, "Uint64", s.Uint64, 1<<40)
	check(t, "Buffer", s.Buffer, []byte("pear"))
	check(t, "Literal", func() (string, error) { return packet.Get[string](s, 5) }, "xyzzy")

	if err := s.Done(); err != nil {
		t.Errorf("Extra data at EOF (%d bytes): %q", s.Len(), s.Rest())
	}

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", b.Len())
	}
}

func TestScannerTruncated(t *testing.T) {
	s := packet.NewScanner("\x00\x01\x02")
	if _, err := s.Uint32(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Uint32: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if s.Offset() != 0 {
		t.Errorf("Offset after failure = %d, want 0", s.Offset())
	}
	check(t, "Uint16", s.Uint16, 1)
	if err := s.Done(); err == nil {
		t.Error("Done with 1 byte left: got nil, want error")
	}

	// A buffer whose length prefix overruns the input.
	s = packet.NewScanner("\x00\x00\x00\x09abc")
	if got, err := s.Buffer(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Buffer: got (%q, %v), want %v", got, err, io.ErrUnexpectedEOF)
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}

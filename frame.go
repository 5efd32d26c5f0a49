// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tilerpc

import (
	"bytes"
	"fmt"
	"io"
)

// MaxPayload is the largest payload that can be carried by a single frame.
const MaxPayload = 1<<24 - 1

// Frame is the parsed format of a link frame. Every frame is addressed to a
// single logical port of the link.
type Frame struct {
	Version byte
	Type    FrameType
	Port    uint8
	Payload []byte
}

// Encode encodes f in binary format.
func (f Frame) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(f.Payload)))
	if _, err := f.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding frame: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
//
// The header is 8 bytes: the magic "TL", a version byte, the frame type, the
// port number, and the payload length as a 24-bit big-endian value.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	n := len(f.Payload)
	if n > MaxPayload {
		return 0, fmt.Errorf("payload too large (%d > %d bytes)", n, MaxPayload)
	}
	buf := [8]byte{'T', 'L', f.Version, byte(f.Type), f.Port, byte(n >> 16), byte(n >> 8), byte(n)}
	nw, err := w.Write(buf[:])
	if err == nil && n != 0 {
		var np int
		np, err = w.Write(f.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies io.ReaderFrom.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short frame header: %w", err)
	}
	if m := string(buf[:3]); m != "TL\x00" {
		return int64(nr), fmt.Errorf("invalid frame magic %q", m)
	}

	f.Version = buf[2]
	f.Type = FrameType(buf[3])
	f.Port = buf[4]
	f.Payload = nil

	if psize := int(buf[5])<<16 | int(buf[6])<<8 | int(buf[7]); psize > 0 {
		f.Payload = make([]byte, psize)
		var np int
		np, err = io.ReadFull(r, f.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	pay := f.Payload
	var more string
	if len(pay) > 16 {
		pay, more = pay[:16], " ..."
	}
	return fmt.Sprintf("Frame(%v, port=%d, %d bytes %+v%s)", f.Type, f.Port, len(f.Payload), pay, more)
}

// FrameType describes the content of a frame.
type FrameType byte

const (
	FrameData  FrameType = 1 // Data for the port
	FrameClose FrameType = 2 // The sender closed the port
	FrameHello FrameType = 3 // Greeting before a link starts; Port is the sender's tile
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameClose:
		return "CLOSE"
	case FrameHello:
		return "HELLO"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

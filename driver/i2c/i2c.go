// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package i2c defines the remote interface to an I2C bus master.
package i2c

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/tilerpc/handler"
	"github.com/creachadair/tilerpc/packet"
	"github.com/creachadair/tilerpc/rpc"
)

// Kind is the driver type name used in the registry.
const Kind = "i2c"

// MaxTransfer is the largest number of bytes moved by a single Read or Write.
const MaxTransfer = 256

var (
	// ErrNack is reported when a device does not acknowledge a transfer.
	ErrNack = errors.New("device did not acknowledge")

	// ErrIncomplete is reported when a register operation did not finish.
	ErrIncomplete = errors.New("incomplete transfer")

	// ErrTransferSize is reported by a client for a transfer larger than
	// MaxTransfer. It is not sent over the link.
	ErrTransferSize = errors.New("transfer too large")
)

// Operation codes.
const (
	OpWrite    = 1
	OpRead     = 2
	OpStop     = 3
	OpRegWrite = 4
	OpRegRead  = 5
)

// Schema is the operation table shared by i2c hosts and clients.
var Schema = rpc.NewSchema(Kind,
	rpc.Op{Code: OpWrite, Name: "write", Args: rpc.Layout{Fixed: 6, Var: true}, Result: rpc.Layout{Fixed: 5}},
	rpc.Op{Code: OpRead, Name: "read", Args: rpc.Layout{Fixed: 6}, Result: rpc.Layout{Fixed: 4, Var: true}},
	rpc.Op{Code: OpStop, Name: "stop_bit_send"},
	rpc.Op{Code: OpRegWrite, Name: "reg_write", Args: rpc.Layout{Fixed: 3}},
	rpc.Op{Code: OpRegRead, Name: "reg_read", Args: rpc.Layout{Fixed: 2}, Result: rpc.Layout{Fixed: 1}},
).WithErrors(map[uint16]error{
	1: ErrNack,
	2: ErrIncomplete,
})

// Driver is the interface to an I2C bus master.
type Driver interface {
	// Write sends buf to the device at addr, and reports the number of bytes
	// the device acknowledged. If the device stops acknowledging, Write
	// reports ErrNack along with the count sent so far.
	Write(ctx context.Context, addr uint8, buf []byte, stop bool) (int, error)

	// Read reads n bytes from the device at addr.
	Read(ctx context.Context, addr uint8, n int, stop bool) ([]byte, error)

	// StopBitSend ends the current bus transaction.
	StopBitSend(ctx context.Context) error

	// RegWrite writes v to register reg of the device at addr.
	RegWrite(ctx context.Context, addr, reg, v uint8) error

	// RegRead reads register reg of the device at addr.
	RegRead(ctx context.Context, addr, reg uint8) (uint8, error)
}

type writeArgs struct {
	Addr uint8
	Stop bool
	Data []byte
}

func (w writeArgs) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(6 + len(w.Data))
	b.Uint8(w.Addr)
	b.Bool(w.Stop)
	b.Buffer(w.Data)
	return b.Bytes(), nil
}

func (w *writeArgs) UnmarshalBinary(data []byte) (err error) {
	s := packet.NewScanner(data)
	if w.Addr, err = s.Uint8(); err != nil {
		return err
	} else if w.Stop, err = s.Bool(); err != nil {
		return err
	} else if w.Data, err = s.Buffer(); err != nil {
		return err
	}
	return s.Done()
}

// writeResult carries the count of a write and whether it ended with a NACK.
type writeResult struct {
	N    uint32
	Nack bool
}

func (r writeResult) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(5)
	b.Uint32(r.N)
	b.Bool(r.Nack)
	return b.Bytes(), nil
}

func (r *writeResult) UnmarshalBinary(data []byte) (err error) {
	s := packet.NewScanner(data)
	if r.N, err = s.Uint32(); err != nil {
		return err
	} else if r.Nack, err = s.Bool(); err != nil {
		return err
	}
	return s.Done()
}

type readArgs struct {
	Addr uint8
	Stop bool
	N    uint32
}

func (r readArgs) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(6)
	b.Uint8(r.Addr)
	b.Bool(r.Stop)
	b.Uint32(r.N)
	return b.Bytes(), nil
}

func (r *readArgs) UnmarshalBinary(data []byte) (err error) {
	s := packet.NewScanner(data)
	if r.Addr, err = s.Uint8(); err != nil {
		return err
	} else if r.Stop, err = s.Bool(); err != nil {
		return err
	} else if r.N, err = s.Uint32(); err != nil {
		return err
	}
	return s.Done()
}

type regArgs struct {
	Addr, Reg uint8
}

func (r *regArgs) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return fmt.Errorf("register args: got %d bytes, want 2", len(data))
	}
	r.Addr, r.Reg = data[0], data[1]
	return nil
}

type regValue struct {
	Addr, Reg, Value uint8
}

func (r *regValue) UnmarshalBinary(data []byte) error {
	if len(data) != 3 {
		return fmt.Errorf("register value: got %d bytes, want 3", len(data))
	}
	r.Addr, r.Reg, r.Value = data[0], data[1], data[2]
	return nil
}

// sized packs a variable result with its length prefix.
type sized []byte

func (s sized) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(4 + len(s))
	b.Buffer(s)
	return b.Bytes(), nil
}

// Bind registers handlers on h for each i2c operation, delegating to d.
// It returns h to permit chaining.
func Bind(h *rpc.Host, d Driver) *rpc.Host {
	return h.
		Handle(OpWrite, handler.ParamResultError(func(ctx context.Context, w writeArgs) (writeResult, error) {
			if len(w.Data) > MaxTransfer {
				return writeResult{}, fmt.Errorf("write %d bytes: %w", len(w.Data), ErrTransferSize)
			}
			n, err := d.Write(ctx, w.Addr, w.Data, w.Stop)
			if errors.Is(err, ErrNack) {
				return writeResult{N: uint32(n), Nack: true}, nil
			} else if err != nil {
				return writeResult{}, err
			}
			return writeResult{N: uint32(n)}, nil
		})).
		Handle(OpRead, handler.ParamResultError(func(ctx context.Context, r readArgs) (sized, error) {
			if r.N > MaxTransfer {
				return nil, fmt.Errorf("read %d bytes: %w", r.N, ErrTransferSize)
			}
			data, err := d.Read(ctx, r.Addr, int(r.N), r.Stop)
			return sized(data), err
		})).
		Handle(OpStop, handler.Action(d.StopBitSend)).
		Handle(OpRegWrite, handler.ParamError(func(ctx context.Context, r regValue) error {
			return d.RegWrite(ctx, r.Addr, r.Reg, r.Value)
		})).
		Handle(OpRegRead, handler.ParamResultError(func(ctx context.Context, r regArgs) (uint8, error) {
			return d.RegRead(ctx, r.Addr, r.Reg)
		}))
}
